package structs

import "github.com/hashicorp/go-msgpack/v2/codec"

var (
	// JsonHandle and JsonHandlePretty are the codec handles used to JSON
	// encode API responses. The pretty handle adds indents for human
	// consumption.
	JsonHandle = &codec.JsonHandle{
		HTMLCharsAsIs: true,
	}
	JsonHandlePretty = &codec.JsonHandle{
		HTMLCharsAsIs: true,
		Indent:        4,
	}
)
