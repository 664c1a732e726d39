package store

import (
	"time"

	"pixpick/api/internal/docdb"
)

type Board struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Collaborator struct {
	UID        string    `json:"uid"`
	Role       string    `json:"role"`
	BoardID    string    `json:"boardId"`
	BoardTitle string    `json:"boardTitle"`
	OwnerID    string    `json:"ownerId"`
	AddedAt    time.Time `json:"addedAt"`
}

// StorageMeta records where a large pick was uploaded so its URL can be
// re-signed or the object removed.
type StorageMeta struct {
	Provider    string `json:"provider"`
	Path        string `json:"path"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`
}

type Pick struct {
	ID        string       `json:"id"`
	BoardID   string       `json:"boardId"`
	Src       string       `json:"src"`
	CreatedBy string       `json:"createdBy"`
	CreatedAt time.Time    `json:"createdAt"`
	Rating    int          `json:"rating"`
	Order     *float64     `json:"order,omitempty"`
	Storage   *StorageMeta `json:"storage,omitempty"`
}

type Comment struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

type Notification struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Text      string    `json:"text"`
	BoardID   string    `json:"boardId"`
	Actor     string    `json:"actor"`
	URL       string    `json:"url"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is the identity record profiles are resolved from.
type User struct {
	UID         string    `json:"uid"`
	DisplayName string    `json:"displayName"`
	PhotoURL    string    `json:"photoURL"`
	Email       string    `json:"email"`
	LastLoginAt time.Time `json:"lastLoginAt"`
}

// Account holds local-provider credentials. It is never exposed as a profile.
type Account struct {
	UID          string
	Email        string
	PasswordHash string
	DisplayName  string
	CreatedAt    time.Time
}

const (
	Boards   = "boards"
	Users    = "users"
	Accounts = "accounts"

	// CollaboratorsGroup is the collection-group name of every board's
	// collaborator list.
	CollaboratorsGroup = "collaborators"
)

func BoardPath(boardID string) string { return docdb.Join(Boards, boardID) }

func CollaboratorsPath(boardID string) string {
	return docdb.Join(Boards, boardID, CollaboratorsGroup)
}

func CollaboratorPath(boardID, uid string) string {
	return docdb.Join(CollaboratorsPath(boardID), uid)
}

func PicksPath(boardID string) string { return docdb.Join(Boards, boardID, "images") }

func PickPath(boardID, pickID string) string { return docdb.Join(PicksPath(boardID), pickID) }

func BoardCommentsPath(boardID string) string { return docdb.Join(Boards, boardID, "comments") }

func PickCommentsPath(boardID, pickID string) string {
	return docdb.Join(PickPath(boardID, pickID), "comments")
}

func UserPath(uid string) string { return docdb.Join(Users, uid) }

func NotificationsPath(uid string) string { return docdb.Join(Users, uid, "notifications") }

func AccountPath(uid string) string { return docdb.Join(Accounts, uid) }

func BoardFromDoc(doc docdb.Document) Board {
	return Board{
		ID:        doc.ID,
		Title:     doc.Data.String("title"),
		OwnerID:   doc.Data.String("ownerId"),
		CreatedAt: doc.Data.Time("createdAt"),
		UpdatedAt: doc.Data.Time("updatedAt"),
	}
}

func CollaboratorFromDoc(doc docdb.Document) Collaborator {
	uid := doc.Data.String("uid")
	if uid == "" {
		uid = doc.ID
	}
	return Collaborator{
		UID:        uid,
		Role:       doc.Data.String("role"),
		BoardID:    doc.Data.String("boardId"),
		BoardTitle: doc.Data.String("boardTitle"),
		OwnerID:    doc.Data.String("ownerId"),
		AddedAt:    doc.Data.Time("addedAt"),
	}
}

func (c Collaborator) Data() docdb.Data {
	return docdb.Data{
		"uid":        c.UID,
		"role":       c.Role,
		"boardId":    c.BoardID,
		"boardTitle": c.BoardTitle,
		"ownerId":    c.OwnerID,
		"addedAt":    docdb.ServerTimestamp,
	}
}

func PickFromDoc(boardID string, doc docdb.Document) Pick {
	p := Pick{
		ID:        doc.ID,
		BoardID:   boardID,
		Src:       doc.Data.String("src"),
		CreatedBy: doc.Data.String("createdBy"),
		CreatedAt: doc.Data.Time("createdAt"),
		Rating:    int(doc.Data.Int("rating")),
		Order:     doc.Data.OptFloat("order"),
	}
	if meta := doc.Data.Map("storage"); meta != nil {
		p.Storage = &StorageMeta{
			Provider:    meta.String("provider"),
			Path:        meta.String("path"),
			Size:        meta.Int("size"),
			ContentType: meta.String("contentType"),
		}
	}
	return p
}

// NewPickData is the body of a freshly stored pick.
func NewPickData(src, createdBy string, storage *StorageMeta) docdb.Data {
	data := docdb.Data{
		"src":       src,
		"createdBy": createdBy,
		"createdAt": docdb.ServerTimestamp,
		"rating":    0,
	}
	if storage != nil {
		data["storage"] = docdb.Data{
			"provider":    storage.Provider,
			"path":        storage.Path,
			"size":        storage.Size,
			"contentType": storage.ContentType,
		}
	}
	return data
}

func CommentFromDoc(doc docdb.Document) Comment {
	return Comment{
		ID:        doc.ID,
		Text:      doc.Data.String("text"),
		CreatedBy: doc.Data.String("createdBy"),
		CreatedAt: doc.Data.Time("createdAt"),
	}
}

func NotificationFromDoc(doc docdb.Document) Notification {
	return Notification{
		ID:        doc.ID,
		Type:      doc.Data.String("type"),
		Text:      doc.Data.String("text"),
		BoardID:   doc.Data.String("boardId"),
		Actor:     doc.Data.String("actor"),
		URL:       doc.Data.String("url"),
		Read:      doc.Data.Bool("read"),
		CreatedAt: doc.Data.Time("createdAt"),
	}
}

func UserFromDoc(doc docdb.Document) User {
	uid := doc.Data.String("uid")
	if uid == "" {
		uid = doc.ID
	}
	return User{
		UID:         uid,
		DisplayName: doc.Data.String("displayName"),
		PhotoURL:    doc.Data.String("photoURL"),
		Email:       doc.Data.String("email"),
		LastLoginAt: doc.Data.Time("lastLoginAt"),
	}
}

func AccountFromDoc(doc docdb.Document) Account {
	return Account{
		UID:          doc.ID,
		Email:        doc.Data.String("email"),
		PasswordHash: doc.Data.String("passwordHash"),
		DisplayName:  doc.Data.String("displayName"),
		CreatedAt:    doc.Data.Time("createdAt"),
	}
}
