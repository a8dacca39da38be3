package internal

import (
	"encoding/base32"
	"strings"

	"github.com/google/uuid"
)

// Binary object keys are {node id}/{property}/{write id}. The last two
// segments use a lower case base32 alphabet so any property name gives a
// valid object key.
const keyAlphabet = "abcdefghijklmnopqrstuvwxyz156789"

var keyEncoding = base32.NewEncoding(keyAlphabet).WithPadding(base32.NoPadding)

// binaryKey is unique per write so a replaced value can be deleted after the new one is stored.
func binaryKey(nodeID, name string) string {
	return nodeID + "/" + keyEncoding.EncodeToString([]byte(name)) + "/" + writeID()
}

func writeID() string {
	id := uuid.Must(uuid.NewV7())
	return keyEncoding.EncodeToString(id[:])
}

// binaryKeyProperty returns the property name encoded in key.
func binaryKeyProperty(key string) (string, bool) {
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return "", false
	}
	name, err := keyEncoding.DecodeString(parts[1])
	if err != nil {
		return "", false
	}
	return string(name), true
}
