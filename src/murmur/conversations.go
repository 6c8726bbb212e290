package murmur

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/mosaicnetworks/murmur/src/common"
	"github.com/mosaicnetworks/murmur/src/dag"
)

const jsonConversationsPath = "conversations.json"

// ConversationEntry records what is needed to reopen a conversation: its id,
// the generation 0 secret shared out of band, and where its database lives.
type ConversationEntry struct {
	ID     dag.Hash
	Title  string `json:",omitempty"`
	Secret string
	Path   string `json:",omitempty"`
}

// NewConversationEntry ...
func NewConversationEntry(id dag.Hash, title string, secret []byte, path string) *ConversationEntry {
	return &ConversationEntry{
		ID:     id,
		Title:  title,
		Secret: common.EncodeToString(secret),
		Path:   path,
	}
}

// SecretBytes decodes the bootstrap secret.
func (e *ConversationEntry) SecretBytes() ([]byte, error) {
	return common.DecodeFromString(e.Secret)
}

// JSONConversations persists the conversations of a node in a JSON file
// alongside peers.json.
type JSONConversations struct {
	l    sync.Mutex
	path string
}

// NewJSONConversations creates a JSONConversations with reference to a base
// directory where the JSON file resides.
func NewJSONConversations(base string) *JSONConversations {
	return &JSONConversations{
		path: filepath.Join(base, jsonConversationsPath),
	}
}

// Entries parses the underlying JSON file. A missing or empty file holds no
// conversations.
func (j *JSONConversations) Entries() ([]*ConversationEntry, error) {
	j.l.Lock()
	defer j.l.Unlock()

	return j.read()
}

func (j *JSONConversations) read() ([]*ConversationEntry, error) {
	buf, err := os.ReadFile(j.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(buf)) == 0 {
		return nil, nil
	}

	var entries []*ConversationEntry
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Add appends an entry, replacing any previous entry with the same id.
func (j *JSONConversations) Add(entry *ConversationEntry) error {
	j.l.Lock()
	defer j.l.Unlock()

	entries, err := j.read()
	if err != nil {
		return err
	}

	res := []*ConversationEntry{}
	for _, e := range entries {
		if e.ID != entry.ID {
			res = append(res, e)
		}
	}
	res = append(res, entry)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "\t")
	if err := enc.Encode(res); err != nil {
		return err
	}

	// the file holds secrets
	return os.WriteFile(j.path, buf.Bytes(), 0600)
}
