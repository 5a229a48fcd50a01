package connector

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/goliatone/go-errors"
)

// Message is the interface command messages must implement
type Message interface {
	Type() string
	Validate() error
}

// Command is an out of band instruction aimed at one entity.
type Command interface {
	Message
	EntityID() string
}

// BaseCommand carries the target entity id and can be embedded by commands.
type BaseCommand struct {
	ID string `json:"entity_id"`
}

func (c BaseCommand) EntityID() string {
	return c.ID
}

func (c BaseCommand) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("command entity id required", errors.CategoryValidation).
			WithTextCode("ENTITY_ID_REQUIRED")
	}
	return nil
}

func IsNilMessage(msg any) bool {
	if msg == nil {
		return true
	}

	v := reflect.ValueOf(msg)
	if v.Kind() != reflect.Ptr {
		return false
	}

	return v.IsNil()
}

// ValidateMessage rejects nil messages and runs Validate.
func ValidateMessage(msg Message) error {
	if IsNilMessage(msg) {
		return errors.New("nil message pointer", errors.CategoryValidation).
			WithTextCode("INVALID_MESSAGE")
	}

	if err := msg.Validate(); err != nil {
		return errors.Wrap(err, errors.CategoryValidation, "message validation failed").
			WithTextCode("VALIDATION_FAILED")
	}

	return nil
}

// GetMessageType resolves the routing key for a message.
func GetMessageType(msg any) string {
	if msg == nil {
		return "unknown_type"
	}

	v := reflect.ValueOf(msg)
	if v.Kind() == reflect.Ptr && v.IsNil() {
		return "unknown_type"
	}

	// if msg implements Type() then we use that:
	if msgTyper, ok := msg.(interface{ Type() string }); ok {
		return msgTyper.Type()
	}

	t := reflect.TypeOf(msg)
	typeName := t.String()

	if t.Kind() == reflect.Ptr {
		typeName = typeName[1:]
		t = t.Elem()
	}

	pkgPath := t.PkgPath()
	if pkgPath != "" {
		parts := strings.Split(pkgPath, "/")
		pkgPath = parts[len(parts)-1]
	}

	if idx := strings.LastIndex(typeName, "."); idx >= 0 {
		typeName = typeName[idx+1:]
	}
	txName := toSnakeCase(typeName)

	if pkgPath == "" {
		return txName
	}
	return pkgPath + "::" + txName
}

var camelBoundary = regexp.MustCompile("([a-z0-9])([A-Z])")

func toSnakeCase(s string) string {
	return strings.ToLower(camelBoundary.ReplaceAllString(s, "${1}_${2}"))
}
