package kephasrpc

// RemoteData is one page of tabular data.
type RemoteData[T any] struct {
	Data     []T  `json:"data"`
	LastPage int  `json:"last_page"`
	LastRow  *int `json:"last_row,omitempty"`
}

// RemoteFilter is a column filter sent with a RemoteData request.
type RemoteFilter struct {
	Field string  `json:"field"`
	Type  string  `json:"type"`
	Value *string `json:"value"`
}

// RemoteSorter is a column sort order sent with a RemoteData request.
type RemoteSorter struct {
	Field string `json:"field"`
	Dir   string `json:"dir"`
}

// RemoteOption is an entry of a remote select list.
type RemoteOption struct {
	Value     *string `json:"value,omitempty"`
	Text      *string `json:"text,omitempty"`
	ClassName *string `json:"className,omitempty"`
	Subtext   *string `json:"subtext,omitempty"`
	Icon      *string `json:"icon,omitempty"`
	Content   *string `json:"content,omitempty"`
	Disabled  bool    `json:"disabled"`
	Divider   bool    `json:"divider"`
}

// SimpleRemoteOption is a value/text pair for remote typeahead lists.
type SimpleRemoteOption struct {
	Value string  `json:"value"`
	Text  *string `json:"text,omitempty"`
}
