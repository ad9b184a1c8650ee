package models

// UserKey is the projection of a user's registered ed25519 public key,
// maintained by the marketplace's user service. The key is stored base64
// encoded.
type UserKey struct {
	BaseModel

	UserID    string `gorm:"uniqueIndex;not null" json:"user_id"`
	PublicKey string `gorm:"not null" json:"public_key"`
}
