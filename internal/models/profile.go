package models

// Profile holds display metadata for one family member.
type Profile struct {
	ID        int     `db:"id" json:"id"`
	Name      string  `db:"name" json:"name"`
	AvatarURL *string `db:"avatar_url" json:"avatar_url,omitempty"`
	FamilyID  int     `db:"family_id" json:"family_id"`
}
