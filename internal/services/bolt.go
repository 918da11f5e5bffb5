package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/OmChillure/memochat/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the document store using a BoltDB backend for persistent storage of conversations,
// messages, memory entries and uploaded files. Every read and write is scoped by the owner's identity; a
// record owned by someone else is reported as models.ErrNotFound.
type BoltDB struct {
	db *bolt.DB
}

type conversationRecord struct {
	models.Conversation
	OwnerID        string `json:"ownerId"`
	HasUserMessage bool   `json:"hasUserMessage"`
}

type messageRecord struct {
	models.Message
	OwnerID string `json:"ownerId"`
}

type memoryRecord struct {
	models.MemoryEntry
	OwnerID string `json:"ownerId"`
}

type uploadRecord struct {
	models.Upload
	OwnerID string `json:"ownerId"`
}

var (
	conversationsBucket = []byte("conversations")
	messageIndexBucket  = []byte("message-index")
	memoriesBucket      = []byte("memories")
	uploadsBucket       = []byte("uploads")
	blobsBucket         = []byte("blobs")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			conversationsBucket, messageIndexBucket, memoriesBucket, uploadsBucket, blobsBucket,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, err
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

func now() time.Time {
	return time.Now().UTC()
}

func getJSON[T any](bucket *bolt.Bucket, key string) (T, bool, error) {
	var v T
	raw := bucket.Get([]byte(key))
	if raw == nil {
		return v, false, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return v, true, nil
}

func putJSON(bucket *bolt.Bucket, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return bucket.Put([]byte(key), raw)
}

func ownedConversation(tx *bolt.Tx, ownerID, id string) (conversationRecord, error) {
	rec, ok, err := getJSON[conversationRecord](tx.Bucket(conversationsBucket), id)
	if err != nil {
		return conversationRecord{}, err
	}
	if !ok || rec.OwnerID != ownerID {
		return conversationRecord{}, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return rec, nil
}

// Conversations retrieves the owner's conversations, most recently updated first.
func (b BoltDB) Conversations(_ context.Context, ownerID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var rec conversationRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal conversation %s: %w", k, err)
			}
			if rec.OwnerID != ownerID {
				return nil
			}
			conv := rec.Conversation
			conv.OwnerID = rec.OwnerID
			convs = append(convs, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(convs, func(a, b models.Conversation) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return convs, nil
}

// Conversation retrieves a single conversation of the owner.
func (b BoltDB) Conversation(_ context.Context, ownerID, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, err := ownedConversation(tx, ownerID, id)
		if err != nil {
			return err
		}
		conv = rec.Conversation
		conv.OwnerID = rec.OwnerID
		return nil
	})
	return conv, err
}

// AddConversation stores a new conversation for the owner and creates its message bucket. A blank title
// is replaced by models.DefaultTitle.
func (b BoltDB) AddConversation(_ context.Context, ownerID, title string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.Update(func(tx *bolt.Tx) error {
		rec, err := createConversation(tx, ownerID, title)
		if err != nil {
			return err
		}
		conv = rec.Conversation
		return nil
	})
	return conv, err
}

func createConversation(tx *bolt.Tx, ownerID, title string) (conversationRecord, error) {
	if strings.TrimSpace(title) == "" {
		title = models.DefaultTitle
	}
	ts := now()
	rec := conversationRecord{
		Conversation: models.Conversation{
			ID:        uuid.New().String(),
			OwnerID:   ownerID,
			Title:     title,
			CreatedAt: ts,
			UpdatedAt: ts,
		},
		OwnerID: ownerID,
	}
	if _, err := tx.CreateBucketIfNotExists(messageBucketName(rec.ID)); err != nil {
		return conversationRecord{}, fmt.Errorf("failed to create message bucket: %w", err)
	}
	if err := putJSON(tx.Bucket(conversationsBucket), rec.ID, rec); err != nil {
		return conversationRecord{}, err
	}
	return rec, nil
}

// UpdateConversation renames a conversation of the owner and bumps its update time.
func (b BoltDB) UpdateConversation(_ context.Context, ownerID, id, title string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		rec, err := ownedConversation(tx, ownerID, id)
		if err != nil {
			return err
		}
		rec.Title = title
		rec.UpdatedAt = now()
		return putJSON(tx.Bucket(conversationsBucket), id, rec)
	})
}

// DeleteConversation removes a conversation of the owner together with all of its messages.
func (b BoltDB) DeleteConversation(_ context.Context, ownerID, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := ownedConversation(tx, ownerID, id); err != nil {
			return err
		}

		index := tx.Bucket(messageIndexBucket)
		if mb := tx.Bucket(messageBucketName(id)); mb != nil {
			err := mb.ForEach(func(k, _ []byte) error {
				return index.Delete(k)
			})
			if err != nil {
				return fmt.Errorf("failed to unindex messages: %w", err)
			}
			if err := tx.DeleteBucket(messageBucketName(id)); err != nil {
				return fmt.Errorf("failed to delete message bucket: %w", err)
			}
		}
		return tx.Bucket(conversationsBucket).Delete([]byte(id))
	})
}

// Messages retrieves the messages of a conversation of the owner in the order they were appended.
func (b BoltDB) Messages(_ context.Context, ownerID, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		if _, err := ownedConversation(tx, ownerID, conversationID); err != nil {
			return err
		}
		mb := tx.Bucket(messageBucketName(conversationID))
		if mb == nil {
			return nil
		}
		return mb.ForEach(func(k, v []byte) error {
			var rec messageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal message %s: %w", k, err)
			}
			msg := rec.Message
			msg.OwnerID = rec.OwnerID
			messages = append(messages, msg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AppendMessage stores msg in a conversation of the owner within a single transaction. An empty
// conversationID creates the conversation first, titled after the message. The conversation's update time
// is bumped, and its title is recomputed when msg is the conversation's first user message. The stored
// message, carrying its new ID and conversation ID, is returned.
func (b BoltDB) AppendMessage(
	_ context.Context,
	ownerID, conversationID string,
	msg models.Message,
) (models.Message, error) {
	err := b.db.Update(func(tx *bolt.Tx) error {
		var conv conversationRecord
		var err error
		if conversationID == "" {
			title := models.DefaultTitle
			if msg.Role == models.RoleUser {
				title = models.DeriveTitle(msg.Content)
			}
			conv, err = createConversation(tx, ownerID, title)
		} else {
			conv, err = ownedConversation(tx, ownerID, conversationID)
		}
		if err != nil {
			return err
		}

		if msg.Role == models.RoleUser && !conv.HasUserMessage {
			conv.Title = models.DeriveTitle(msg.Content)
			conv.HasUserMessage = true
		}
		conv.UpdatedAt = now()

		mb, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID))
		if err != nil {
			return fmt.Errorf("failed to open message bucket: %w", err)
		}
		seq, err := mb.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		msg.ID = fmt.Sprintf("%010d-%s", seq, uuid.New().String())
		msg.ConversationID = conv.ID
		msg.OwnerID = ownerID
		msg.CreatedAt = conv.UpdatedAt
		msg.IsLoading = false
		msg.Parts = nil

		if err := putJSON(mb, msg.ID, messageRecord{Message: msg, OwnerID: ownerID}); err != nil {
			return err
		}
		if err := tx.Bucket(messageIndexBucket).Put([]byte(msg.ID), []byte(conv.ID)); err != nil {
			return fmt.Errorf("failed to index message: %w", err)
		}
		return putJSON(tx.Bucket(conversationsBucket), conv.ID, conv)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

func ownedMessage(tx *bolt.Tx, ownerID, id string) (*bolt.Bucket, messageRecord, error) {
	convID := tx.Bucket(messageIndexBucket).Get([]byte(id))
	if convID == nil {
		return nil, messageRecord{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	mb := tx.Bucket(messageBucketName(string(convID)))
	if mb == nil {
		return nil, messageRecord{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	rec, ok, err := getJSON[messageRecord](mb, id)
	if err != nil {
		return nil, messageRecord{}, err
	}
	if !ok || rec.OwnerID != ownerID {
		return nil, messageRecord{}, fmt.Errorf("message %s: %w", id, models.ErrNotFound)
	}
	return mb, rec, nil
}

// UpdateMessage replaces the content of a message of the owner, keeping the previous content in the
// message's edit history.
func (b BoltDB) UpdateMessage(_ context.Context, ownerID, id, content string) (models.Message, error) {
	var msg models.Message
	err := b.db.Update(func(tx *bolt.Tx) error {
		mb, rec, err := ownedMessage(tx, ownerID, id)
		if err != nil {
			return err
		}
		if rec.Content != content {
			rec.EditHistory = append(rec.EditHistory, models.Edit{Content: rec.Content, EditedAt: now()})
			rec.Content = content
			rec.IsEdited = true
		}
		msg = rec.Message
		return putJSON(mb, id, rec)
	})
	return msg, err
}

// DeleteMessage removes exactly one message of the owner.
func (b BoltDB) DeleteMessage(_ context.Context, ownerID, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		mb, _, err := ownedMessage(tx, ownerID, id)
		if err != nil {
			return err
		}
		if err := mb.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete message: %w", err)
		}
		return tx.Bucket(messageIndexBucket).Delete([]byte(id))
	})
}

// Memories retrieves every memory entry of the owner in creation order.
func (b BoltDB) Memories(_ context.Context, ownerID string) ([]models.MemoryEntry, error) {
	var entries []models.MemoryEntry
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(memoriesBucket).ForEach(func(k, v []byte) error {
			var rec memoryRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal memory %s: %w", k, err)
			}
			if rec.OwnerID != ownerID {
				return nil
			}
			entry := rec.MemoryEntry
			entry.OwnerID = rec.OwnerID
			entries = append(entries, entry)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(entries, func(a, b models.MemoryEntry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return entries, nil
}

// AddMemory stores a new memory entry for the owner.
func (b BoltDB) AddMemory(_ context.Context, ownerID, key, value string) (models.MemoryEntry, error) {
	entry := models.MemoryEntry{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Key:       key,
		Value:     value,
		CreatedAt: now(),
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(memoriesBucket), entry.ID, memoryRecord{MemoryEntry: entry, OwnerID: ownerID})
	})
	if err != nil {
		return models.MemoryEntry{}, err
	}
	return entry, nil
}

// UpdateMemory replaces the value of a memory entry of the owner.
func (b BoltDB) UpdateMemory(_ context.Context, ownerID, id, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(memoriesBucket)
		rec, ok, err := getJSON[memoryRecord](bucket, id)
		if err != nil {
			return err
		}
		if !ok || rec.OwnerID != ownerID {
			return fmt.Errorf("memory %s: %w", id, models.ErrNotFound)
		}
		rec.Value = value
		rec.UpdatedAt = now()
		return putJSON(bucket, id, rec)
	})
}

// DeleteMemory removes a memory entry of the owner.
func (b BoltDB) DeleteMemory(_ context.Context, ownerID, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(memoriesBucket)
		rec, ok, err := getJSON[memoryRecord](bucket, id)
		if err != nil {
			return err
		}
		if !ok || rec.OwnerID != ownerID {
			return fmt.Errorf("memory %s: %w", id, models.ErrNotFound)
		}
		return bucket.Delete([]byte(id))
	})
}

// PutBlob hosts data and records its metadata. The upload's ID and UploadedAt are assigned here; its URL is
// built by urlFor from the new ID.
func (b BoltDB) PutBlob(
	_ context.Context,
	upload models.Upload,
	data []byte,
	urlFor func(id string) string,
) (models.Upload, error) {
	upload.ID = uuid.New().String()
	upload.UploadedAt = now()
	upload.FileSize = int64(len(data))
	upload.URL = urlFor(upload.ID)

	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobsBucket).Put([]byte(upload.ID), data); err != nil {
			return fmt.Errorf("failed to store blob: %w", err)
		}
		return putJSON(tx.Bucket(uploadsBucket), upload.ID, uploadRecord{Upload: upload, OwnerID: upload.OwnerID})
	})
	if err != nil {
		return models.Upload{}, err
	}
	return upload, nil
}

// Blob returns a hosted file and its metadata. Hosted files are public: anyone holding the URL may read
// them.
func (b BoltDB) Blob(_ context.Context, id string) (models.Upload, []byte, error) {
	var upload models.Upload
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		rec, ok, err := getJSON[uploadRecord](tx.Bucket(uploadsBucket), id)
		if err != nil {
			return err
		}
		raw := tx.Bucket(blobsBucket).Get([]byte(id))
		if !ok || raw == nil {
			return fmt.Errorf("blob %s: %w", id, models.ErrNotFound)
		}
		upload = rec.Upload
		upload.OwnerID = rec.OwnerID
		// Bolt's memory is only valid inside the transaction.
		data = slices.Clone(raw)
		return nil
	})
	return upload, data, err
}
