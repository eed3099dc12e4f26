package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// MaxImageBytes は記事画像の上限サイズ。
const MaxImageBytes = 5 << 20

// imageTypes は記事画像として受け付けるContent-Type。
var imageTypes = map[string]bool{
	"image/jpeg": true,
	"image/jpg":  true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// IsAllowedImageType は記事画像として受け付けるContent-Typeかを返す。
func IsAllowedImageType(contentType string) bool {
	return imageTypes[strings.ToLower(strings.TrimSpace(contentType))]
}

// Blog はリモートAPI上のブログ記事を表す。
// サービスクライアント経由でのみ読み書きし、クライアント側ではキャッシュしない。
type Blog struct {
	ID         string    `json:"_id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Image      string    `json:"image,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	AuthorName string    `json:"authorName"`
	Author     Author    `json:"author"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// HasImage は記事が画像参照を持つかを返す。
func (b Blog) HasImage() bool {
	return b.Image != "" || b.ImageURL != ""
}

// WasUpdated は作成後に更新されているかを返す。
func (b Blog) WasUpdated() bool {
	return !b.UpdatedAt.IsZero() && !b.UpdatedAt.Equal(b.CreatedAt)
}

// IsAuthoredBy は指定ユーザーが記事の著者かを判定する。
func (b Blog) IsAuthoredBy(u *User) bool {
	return u != nil && u.ID != "" && b.Author.ID == u.ID
}

// Author は記事の著者参照。
// APIは著者をIDの文字列、または _id を持つオブジェクトのどちらかで返す。
type Author struct {
	ID       string `json:"_id"`
	FullName string `json:"fullName,omitempty"`
	Email    string `json:"email,omitempty"`
}

// UnmarshalJSON は文字列形式とオブジェクト形式の両方を受け付ける。
func (a *Author) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = Author{}
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*a = Author{ID: id}
		return nil
	}
	type plain Author
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Author(p)
	return nil
}

// Pagination は一覧APIが返すページ情報。
type Pagination struct {
	Current int `json:"current"`
	Pages   int `json:"pages"`
	Total   int `json:"total"`
}

// PageNumbers は1からPagesまでのページ番号を返す。
func (p Pagination) PageNumbers() []int {
	nums := make([]int, 0, p.Pages)
	for i := 1; i <= p.Pages; i++ {
		nums = append(nums, i)
	}
	return nums
}

// BlogPage はページング付きの記事一覧。
type BlogPage struct {
	Blogs      []Blog     `json:"blogs"`
	Pagination Pagination `json:"pagination"`
}

// DashboardStats はダッシュボードの集計値。
type DashboardStats struct {
	TotalBlogs     int `json:"totalBlogs"`
	RecentActivity int `json:"recentActivity"`
}

// Dashboard はダッシュボードAPIのレスポンス。
type Dashboard struct {
	Stats DashboardStats `json:"stats"`
	Blogs []Blog         `json:"blogs"`
}
