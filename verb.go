package kephasrpc

import "strings"

// Verb is the HTTP method a unary call is bound to.
type Verb string

const (
	GET     Verb = "GET"
	POST    Verb = "POST"
	PUT     Verb = "PUT"
	DELETE  Verb = "DELETE"
	OPTIONS Verb = "OPTIONS"
)

// Verbs lists every supported verb.
var Verbs = []Verb{GET, POST, PUT, DELETE, OPTIONS}

// ParseVerb returns the verb named by s, ignoring case.
func ParseVerb(s string) (Verb, bool) {
	v := Verb(strings.ToUpper(s))
	return v, v.Valid()
}

// Valid reports whether v is one of the supported verbs.
func (v Verb) Valid() bool {
	switch v {
	case GET, POST, PUT, DELETE, OPTIONS:
		return true
	}
	return false
}

func (v Verb) String() string {
	return string(v)
}
