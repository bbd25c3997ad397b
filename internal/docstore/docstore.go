// Package docstore implements the document CRUD facade the sync engine
// treats as an external collaborator. It materializes each document as
// a file `<_id><ext>` in a Git working tree and hands back FatDoc values
// keyed by the file's current blob OID.
package docstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basalt-sync/gitdocdb/internal/gitrepo"
)

// DocType classifies how a document's file content is interpreted.
type DocType string

const (
	TypeJSON   DocType = "json"
	TypeText   DocType = "text"
	TypeBinary DocType = "binary"
)

// FatDoc bundles a document's identity, file OID, type, and payload.
type FatDoc struct {
	ID      string
	Name    string
	FileOID string
	Type    DocType
	JSON    json.RawMessage // populated when Type == TypeJSON
	Bytes   []byte          // populated when Type == TypeText or TypeBinary
}

// FileName returns "<_id><ext>" for ext chosen by Type.
func (d FatDoc) FileName() string {
	switch d.Type {
	case TypeJSON:
		return d.ID + ".json"
	case TypeText:
		return d.ID + ".txt"
	default:
		return d.ID + ".bin"
	}
}

// Store is the minimal document CRUD facade the sync engine reads and
// writes through. A real DB facade would additionally index documents for
// querying; the sync engine here only needs byte-level file access plus
// classification by extension.
type Store struct {
	Dir  string
	Repo *gitrepo.Repo
}

// Open returns a Store rooted at dir, a Git working tree.
func Open(dir string) *Store {
	return &Store{Dir: dir, Repo: gitrepo.Open(dir)}
}

// ClassifyExt maps a file extension to a DocType, used by the push/sync
// workers' JSON/text/binary filtering policy.
func ClassifyExt(ext string) DocType {
	switch ext {
	case ".json":
		return TypeJSON
	case ".txt", ".md", ".yaml", ".yml":
		return TypeText
	default:
		return TypeBinary
	}
}

// Put writes doc to its file, serializing JSON documents in canonical
// sorted form so blob OIDs stay content-deterministic.
func (s *Store) Put(doc FatDoc) error {
	var content []byte
	switch doc.Type {
	case TypeJSON:
		canon, err := Canonicalize(doc.JSON)
		if err != nil {
			return fmt.Errorf("canonicalize %s: %w", doc.ID, err)
		}
		content = canon
	default:
		content = doc.Bytes
	}

	path := filepath.Join(s.Dir, doc.FileName())
	if err := os.WriteFile(path, content, 0o644); err != nil { //nolint:gosec // document files are world-readable by design
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// Get reads a document by id and type from the working tree.
func (s *Store) Get(id string, docType DocType) (FatDoc, error) {
	doc := FatDoc{ID: id, Type: docType}
	path := filepath.Join(s.Dir, doc.FileName())
	content, err := os.ReadFile(path) //nolint:gosec // path built from a FatDoc id under caller's working tree
	if err != nil {
		return FatDoc{}, fmt.Errorf("read %s: %w", path, err)
	}
	if docType == TypeJSON {
		doc.JSON = json.RawMessage(content)
	} else {
		doc.Bytes = content
	}
	return doc, nil
}

// Delete removes a document's file from the working tree.
func (s *Store) Delete(id string, docType DocType) error {
	doc := FatDoc{ID: id, Type: docType}
	path := filepath.Join(s.Dir, doc.FileName())
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	return nil
}

// Canonicalize re-marshals JSON data with recursively sorted object keys
// and no extraneous whitespace, so that two documents which are logically
// equal always produce the same bytes (and therefore the same Git blob
// OID).
func Canonicalize(data json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	sorted := sortKeys(v)
	out, err := json.Marshal(sorted)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// sortKeys rebuilds maps and slices recursively as plain
// map[string]interface{} / []interface{} values; key order in the output
// comes from encoding/json, which sorts map[string]interface{} keys on
// Marshal.
func sortKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = sortKeys(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = sortKeys(val)
		}
		return out
	default:
		return v
	}
}
