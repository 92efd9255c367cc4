package rtorrent

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

const xmlValueTag = "value"

// xmlRPCValue represents a typed XML-RPC parameter.
type xmlRPCValue struct {
	Type  string // "string", "int", "base64"
	Value string
}

func buildXMLRPCRequest(method string, params []xmlRPCValue) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0"?>`)
	buf.WriteString(`<methodCall>`)
	buf.WriteString(`<methodName>`)
	if err := xml.EscapeText(&buf, []byte(method)); err != nil {
		return nil, err
	}
	buf.WriteString(`</methodName>`)

	if len(params) > 0 {
		buf.WriteString(`<params>`)
		for _, p := range params {
			buf.WriteString(`<param><value>`)
			switch p.Type {
			case "base64":
				buf.WriteString(`<base64>`)
				buf.WriteString(p.Value)
				buf.WriteString(`</base64>`)
			case "int":
				buf.WriteString(`<i4>`)
				buf.WriteString(p.Value)
				buf.WriteString(`</i4>`)
			default:
				buf.WriteString(`<string>`)
				if err := xml.EscapeText(&buf, []byte(p.Value)); err != nil {
					return nil, err
				}
				buf.WriteString(`</string>`)
			}
			buf.WriteString(`</value></param>`)
		}
		buf.WriteString(`</params>`)
	}

	buf.WriteString(`</methodCall>`)
	return buf.Bytes(), nil
}

type methodResponse struct {
	Params *responseParams `xml:"params"`
	Fault  *responseFault  `xml:"fault"`
}

type responseParams struct {
	Param []responseParam `xml:"param"`
}

type responseParam struct {
	Value responseValue `xml:"value"`
}

type responseFault struct {
	Value responseValue `xml:"value"`
}

type responseValue struct {
	Inner []byte `xml:",innerxml"`
}

func parseXMLRPCResponse(data []byte) (any, error) {
	var resp methodResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse XML-RPC response: %w", err)
	}

	if resp.Fault != nil {
		return nil, parseFault(resp.Fault.Value.Inner)
	}

	if resp.Params == nil || len(resp.Params.Param) == 0 {
		return "", nil
	}

	return parseValue(resp.Params.Param[0].Value.Inner)
}

func parseFault(inner []byte) error {
	val, err := parseValue(inner)
	if err != nil {
		return fmt.Errorf("XML-RPC fault: %s", string(inner))
	}

	if m, ok := val.(map[string]any); ok {
		faultString, _ := m["faultString"].(string)
		return fmt.Errorf("XML-RPC fault: %s", faultString)
	}

	return fmt.Errorf("XML-RPC fault: %v", val)
}

func parseValue(raw []byte) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return "", nil
	}

	decoder := xml.NewDecoder(bytes.NewReader(trimmed))
	return decodeValue(decoder)
}

func decodeValue(decoder *xml.Decoder) (any, error) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return "", err
		}

		switch t := token.(type) {
		case xml.StartElement:
			return decodeTypedValue(decoder, t.Name.Local)
		case xml.CharData:
			s := strings.TrimSpace(string(t))
			if s != "" {
				return s, nil
			}
		}
	}
}

func decodeTypedValue(decoder *xml.Decoder, typeName string) (any, error) {
	switch typeName {
	case "string":
		return decodeStringContent(decoder, "string")
	case "int", "i4", "i8":
		return decodeIntContent(decoder, typeName)
	case "base64":
		return decodeStringContent(decoder, "base64")
	case "array":
		return decodeArray(decoder)
	case "struct":
		return decodeStruct(decoder)
	case xmlValueTag:
		return decodeValue(decoder)
	case "boolean":
		content, _ := decodeStringContent(decoder, "boolean")
		s, _ := content.(string)
		return s == "1", nil
	default:
		return decodeStringContent(decoder, typeName)
	}
}

func decodeStringContent(decoder *xml.Decoder, endTag string) (any, error) {
	var content strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			return content.String(), err
		}
		switch t := token.(type) {
		case xml.CharData:
			content.Write(t)
		case xml.EndElement:
			if t.Name.Local == endTag {
				return content.String(), nil
			}
		}
	}
}

func decodeIntContent(decoder *xml.Decoder, endTag string) (any, error) {
	s, err := decodeStringContent(decoder, endTag)
	if err != nil {
		return int64(0), err
	}
	str, ok := s.(string)
	if !ok {
		return int64(0), nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return int64(0), nil
	}
	return n, nil
}

func decodeArray(decoder *xml.Decoder) ([]any, error) {
	items := []any{}

	for {
		token, err := decoder.Token()
		if err != nil {
			return items, err
		}

		if end, ok := token.(xml.EndElement); ok {
			if end.Name.Local == "array" || end.Name.Local == "data" {
				return items, nil
			}
			continue
		}

		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != xmlValueTag {
			continue
		}

		val, valErr := decodeValue(decoder)
		if valErr != nil {
			return items, valErr
		}
		items = append(items, val)
		consumeEndElement(decoder, xmlValueTag)
	}
}

func decodeStruct(decoder *xml.Decoder) (any, error) {
	result := make(map[string]any)

	for {
		token, err := decoder.Token()
		if err != nil {
			return result, err
		}

		switch t := token.(type) {
		case xml.StartElement:
			if t.Name.Local == "member" {
				name, val := decodeMember(decoder)
				if name != "" {
					result[name] = val
				}
			}
		case xml.EndElement:
			if t.Name.Local == "struct" {
				return result, nil
			}
		}
	}
}

func decodeMember(decoder *xml.Decoder) (memberName string, memberVal any) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return memberName, memberVal
		}

		switch t := token.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "name":
				s, _ := decodeStringContent(decoder, "name")
				memberName, _ = s.(string)
			case xmlValueTag:
				memberVal, _ = decodeValue(decoder)
				consumeEndElement(decoder, xmlValueTag)
			}
		case xml.EndElement:
			if t.Name.Local == "member" {
				return memberName, memberVal
			}
		}
	}
}

func consumeEndElement(decoder *xml.Decoder, name string) {
	for {
		token, err := decoder.Token()
		if err != nil {
			return
		}
		if end, ok := token.(xml.EndElement); ok && end.Name.Local == name {
			return
		}
	}
}
