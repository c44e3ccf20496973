package envoy

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// parseXMLTree parses an XML document into a generic tree of
// map[string]any / []any / string values so JSONPath expressions can be
// evaluated against XML payloads the same way as against JSON ones.
func parseXMLTree(data []byte) (any, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			node, err := parseXMLElement(dec, start)
			if err != nil {
				return nil, err
			}
			return map[string]any{start.Name.Local: node}, nil
		}
	}
}

func parseXMLElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	children := map[string]any{}
	var text strings.Builder

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := parseXMLElement(dec, t)
			if err != nil {
				return nil, err
			}
			name := t.Name.Local
			switch existing := children[name].(type) {
			case nil:
				children[name] = child
			case []any:
				children[name] = append(existing, child)
			default:
				children[name] = []any{existing, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) == 0 {
				return strings.TrimSpace(text.String()), nil
			}
			return children, nil
		}
	}
}
