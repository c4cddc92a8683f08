package server

import (
	"net/http"

	"github.com/gorilla/rpc/v2"
	"github.com/gorilla/rpc/v2/json2"

	"github.com/luciancaetano/kephasrpc"
	"github.com/luciancaetano/kephasrpc/internal/protocol"
)

// MetaService is the JSON-RPC 2.0 service served at kephasrpc.MetaPath. It
// lets tooling and clients list the routes of a running server.
type MetaService struct {
	s *Server
}

// RoutesArgs filters Meta.Routes by service name; empty means all.
type RoutesArgs struct {
	Service string `json:"service,omitempty"`
}

// RoutesReply is the result of Meta.Routes.
type RoutesReply struct {
	Routes []kephasrpc.RouteInfo `json:"routes"`
}

// Routes returns the registered routes.
func (m *MetaService) Routes(r *http.Request, args *RoutesArgs, reply *RoutesReply) error {
	reply.Routes = []kephasrpc.RouteInfo{}
	for _, ri := range m.s.Routes() {
		if args.Service == "" || args.Service == ri.Service {
			reply.Routes = append(reply.Routes, ri)
		}
	}
	return nil
}

func newMeta(s *Server) http.Handler {
	rs := rpc.NewServer()
	rs.RegisterCodec(json2.NewCodec(), protocol.ContentType)
	rs.RegisterService(&MetaService{s: s}, "Meta")
	return rs
}
