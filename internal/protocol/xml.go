package protocol

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PolicyRequestTag is the root element of a cross-domain policy request.
const PolicyRequestTag = "policy-file-request"

// ParseXMLRoot returns the local name of the root element of a legacy XML
// frame. Documents carrying a DTD or any directive are refused outright, and
// no entities beyond the predefined five are resolved.
func ParseXMLRoot(text string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(text))
	dec.Strict = true
	dec.Entity = nil

	var root string
	depth := 0
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrXMLParse, err)
		}

		switch t := tok.(type) {
		case xml.Directive:
			return "", fmt.Errorf("%w: directives are not allowed", ErrXMLParse)
		case xml.StartElement:
			if depth == 0 {
				if root != "" {
					return "", fmt.Errorf("%w: multiple root elements", ErrXMLParse)
				}
				root = t.Name.Local
			}
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 && strings.TrimSpace(string(t)) != "" {
				return "", fmt.Errorf("%w: text outside root element", ErrXMLParse)
			}
		}
	}

	if root == "" {
		return "", fmt.Errorf("%w: no root element", ErrXMLParse)
	}
	return root, nil
}
