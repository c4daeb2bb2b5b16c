package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var (
	// ErrMalformed is returned for payloads that do not match their kind's shape.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownKind is returned for kinds not accepted in the decoding direction.
	ErrUnknownKind = errors.New("unknown message kind")
)

// Direction names which side of the protocol a message is addressed to.
type Direction int

const (
	// ToSurface is orchestrator to rendering surface traffic.
	ToSurface Direction = iota
	// ToOrchestrator is rendering surface to orchestrator traffic.
	ToOrchestrator
)

func (d Direction) String() string {
	if d == ToSurface {
		return "to-surface"
	}
	return "to-orchestrator"
}

type kindSpec struct {
	properties string
	required   []string
	decode     func([]byte) (Message, error)
}

func decodeAs[T Message](raw []byte) (Message, error) {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

var kindSpecs = map[Direction]map[string]kindSpec{
	ToSurface: {
		MessageTypeUpdate: {
			properties: `"html": {"type": "string"}`,
			required:   []string{"html"},
			decode:     decodeAs[UpdateMessage],
		},
		MessageTypeError: {
			properties: `"message": {"type": "string"}`,
			required:   []string{"message"},
			decode:     decodeAs[ErrorMessage],
		},
		MessageTypeScrollFromSource: {
			properties: `"percent": {"type": "number", "minimum": 0, "maximum": 1},
				"line": {"type": "integer"}`,
			required: []string{"percent", "line"},
			decode:   decodeAs[ScrollFromSourceMessage],
		},
		MessageTypeConfig: {
			properties: `"markdownStyle": {"type": "string"},
				"codeTheme": {"type": "string"}`,
			required: []string{"markdownStyle", "codeTheme"},
			decode:   decodeAs[ConfigMessage],
		},
	},
	ToOrchestrator: {
		MessageTypeReady: {
			decode: decodeAs[ReadyMessage],
		},
		MessageTypeScroll: {
			properties: `"percent": {"type": "number"},
				"line": {"type": "integer"}`,
			required: []string{"percent"},
			decode:   decodeAs[ScrollMessage],
		},
		MessageTypeOpenExternal: {
			properties: `"url": {"type": "string", "minLength": 1}`,
			required:   []string{"url"},
			decode:     decodeAs[OpenExternalMessage],
		},
		MessageTypeError: {
			properties: `"message": {"type": "string"}`,
			required:   []string{"message"},
			decode:     decodeAs[ErrorMessage],
		},
		MessageTypeChangeMarkdownStyle: {
			properties: `"style": {"type": "string", "minLength": 1}`,
			required:   []string{"style"},
			decode:     decodeAs[ChangeMarkdownStyleMessage],
		},
		MessageTypeChangeCodeTheme: {
			properties: `"theme": {"type": "string", "minLength": 1}`,
			required:   []string{"theme"},
			decode:     decodeAs[ChangeCodeThemeMessage],
		},
	},
}

type compiledKind struct {
	schema *jsonschema.Schema
	decode func([]byte) (Message, error)
}

var schemas = mustCompileSchemas()

// schemaSource renders the JSON schema for one message kind. Every kind is a
// closed object whose "type" property is pinned to the kind name.
func schemaSource(kind string, spec kindSpec) string {
	props := fmt.Sprintf(`"type": {"const": %q}`, kind)
	if spec.properties != "" {
		props += ",\n" + spec.properties
	}
	required, _ := json.Marshal(append([]string{"type"}, spec.required...))
	return fmt.Sprintf(`{
		"type": "object",
		"properties": {%s},
		"required": %s,
		"additionalProperties": false
	}`, props, required)
}

func mustCompileSchemas() map[Direction]map[string]compiledKind {
	c := jsonschema.NewCompiler()
	out := make(map[Direction]map[string]compiledKind)

	for dir, kinds := range kindSpecs {
		out[dir] = make(map[string]compiledKind)
		for kind, spec := range kinds {
			url := fmt.Sprintf("https://go-live-preview.local/schema/%s/%s.json", dir, kind)
			doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaSource(kind, spec)))
			if err != nil {
				panic(fmt.Sprintf("contracts: schema %s: %v", url, err))
			}
			if err := c.AddResource(url, doc); err != nil {
				panic(fmt.Sprintf("contracts: schema %s: %v", url, err))
			}
			sch, err := c.Compile(url)
			if err != nil {
				panic(fmt.Sprintf("contracts: schema %s: %v", url, err))
			}
			out[dir][kind] = compiledKind{schema: sch, decode: spec.decode}
		}
	}
	return out
}

// Decode validates raw against the shape of its kind in direction dir and
// returns the typed message. Nothing is returned for a payload that fails
// validation, so callers never see a partially decoded message.
func Decode(dir Direction, raw []byte) (Message, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	kind, ok := obj["type"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	ck, ok := schemas[dir][kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q %s", ErrUnknownKind, kind, dir)
	}
	if err := ck.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}

	msg, err := ck.decode(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, kind, err)
	}
	return msg, nil
}

// Encode serializes msg for direction dir, refusing messages the peer would
// reject.
func Encode(dir Direction, msg Message) ([]byte, error) {
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if _, err := Decode(dir, raw); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return raw, nil
}
