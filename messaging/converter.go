package messaging

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/glimte/mmate-rabbit/serialization"
)

// ContentTypeJSON is set on messages produced by JSONConverter.
const ContentTypeJSON = "application/json"

// MessageConverter turns payloads into messages and back.
type MessageConverter interface {
	ToMessage(payload any) (Message, error)
	FromMessage(msg Message, target any) error
}

// JSONConverter encodes payloads as JSON. With a type registry it also sets
// the message type property and can decode into the registered type.
type JSONConverter struct {
	registry *serialization.TypeRegistry
}

// JSONConverterOption configures a JSONConverter
type JSONConverterOption func(*JSONConverter)

// WithTypeRegistry sets the registry used to name payload types.
func WithTypeRegistry(registry *serialization.TypeRegistry) JSONConverterOption {
	return func(c *JSONConverter) {
		c.registry = registry
	}
}

// NewJSONConverter creates a JSON message converter
func NewJSONConverter(opts ...JSONConverterOption) *JSONConverter {
	c := &JSONConverter{}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ToMessage implements MessageConverter
func (c *JSONConverter) ToMessage(payload any) (Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Message{}, &ConversionError{Op: "encode", ContentType: ContentTypeJSON, Err: err}
	}

	msg := NewMessage(body)
	msg.ContentType = ContentTypeJSON
	msg.ContentEncoding = "utf-8"
	if c.registry != nil && payload != nil {
		if name, err := c.registry.TypeName(payload); err == nil {
			msg.Type = name
		}
	}
	return msg, nil
}

// FromMessage implements MessageConverter
func (c *JSONConverter) FromMessage(msg Message, target any) error {
	if !isJSON(msg.ContentType) {
		return &ConversionError{Op: "decode", ContentType: msg.ContentType, Err: ErrUnsupportedContentType}
	}
	if err := json.Unmarshal(msg.Body, target); err != nil {
		return &ConversionError{Op: "decode", ContentType: msg.ContentType, Err: err}
	}
	return nil
}

// Decode creates a value of the type named by the message type property and
// decodes the body into it.
func (c *JSONConverter) Decode(msg Message) (any, error) {
	if c.registry == nil {
		return nil, &ConversionError{Op: "decode", ContentType: msg.ContentType, Err: fmt.Errorf("no type registry")}
	}
	v, err := c.registry.New(msg.Type)
	if err != nil {
		return nil, &ConversionError{Op: "decode", ContentType: msg.ContentType, Err: err}
	}
	if err := c.FromMessage(msg, v); err != nil {
		return nil, err
	}
	return v, nil
}

// An empty content type is treated as JSON.
func isJSON(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == ContentTypeJSON || strings.HasSuffix(mediaType, "+json")
}
