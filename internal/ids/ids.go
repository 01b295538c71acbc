// Package ids generates txnset identifiers.
package ids

import "github.com/google/uuid"

// NewTxnsetID returns a freshly generated, random version-4 UUID rendered
// in its canonical 36-character hyphenated hex form. This string is used
// as both the remote transaction name (gid) at every site and the filename
// of the txnset's journal, so it must be globally unique with overwhelming
// probability; uuid.NewRandom already sets the RFC 4122 §4.4 version and
// variant bits in bytes 6 and 8.
func NewTxnsetID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
