package internal

import (
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func sanitizeIdentifier(name string) string {
	if name == "" {
		return ""
	}
	parts := strings.Split(name, ".")
	clean := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.Trim(part, " \"")
		if trimmed == "" {
			continue
		}
		clean = append(clean, trimmed)
	}
	if len(clean) == 0 {
		clean = []string{name}
	}
	return pgx.Identifier(clean).Sanitize()
}

// canonicalIdentifier returns the lower case hyphenated form of a UUID.
func canonicalIdentifier(obj any) (string, bool) {
	switch v := obj.(type) {
	case uuid.UUID:
		return v.String(), true
	case *uuid.UUID:
		if v == nil {
			return "", false
		}
		return v.String(), true
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return "", false
		}
		return id.String(), true
	case []byte:
		// raw 16 byte form or text
		if len(v) == 16 {
			id, err := uuid.FromBytes(v)
			return id.String(), err == nil
		}
		id, err := uuid.Parse(string(v))
		if err != nil {
			return "", false
		}
		return id.String(), true
	default:
		return "", false
	}
}

func newIdentifier() string {
	return uuid.Must(uuid.NewV7()).String()
}

// likePrefix escapes a LIKE pattern matching every path below p.
func likePrefix(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	if p == "/" {
		return "/%"
	}
	return r.Replace(p) + "/%"
}
