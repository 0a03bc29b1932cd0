package model

import "time"

// PhotoRecord は上流のphotosテーブルの行を表す。
// URLは保存パスから導出される表示用フィールドで、上流には書き込まない。
type PhotoRecord struct {
	ID          int64     `json:"id"`
	OwnerUserID string    `json:"user_id"`
	StoragePath string    `json:"storage_path"`
	CreatedAt   time.Time `json:"created_at"`
	URL         string    `json:"url,omitempty"`
}

// NewPhoto はphotosテーブルへの挿入内容。
type NewPhoto struct {
	OwnerUserID string `json:"user_id"`
	StoragePath string `json:"storage_path"`
}
