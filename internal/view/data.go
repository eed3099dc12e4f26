package view

import "github.com/hitoshi/blogfront/internal/model"

// ListData は記事一覧ページ（ホーム、自分の記事）のデータ。
type ListData struct {
	Blogs      []model.Blog
	Pagination model.Pagination
	// BasePath はページ番号リンクのパス。
	BasePath string
}

// HasPrev は前のページが存在するかを返す。
func (d ListData) HasPrev() bool { return d.Pagination.Current > 1 }

// HasNext は次のページが存在するかを返す。
func (d ListData) HasNext() bool { return d.Pagination.Current < d.Pagination.Pages }

// PrevPage は前のページ番号を返す。
func (d ListData) PrevPage() int { return d.Pagination.Current - 1 }

// NextPage は次のページ番号を返す。
func (d ListData) NextPage() int { return d.Pagination.Current + 1 }

// BlogData は記事詳細ページのデータ。
type BlogData struct {
	Blog    model.Blog
	CanEdit bool
}

// FormData は記事作成・編集フォームのデータ。
// 検証エラー時に入力値を保持して再表示する。
type FormData struct {
	Editing bool
	BlogID  string
	Title   string
	Content string
	// CurrentImage は編集中の記事の既存画像（プロキシ経由のパス）。
	CurrentImage string
}

// Action はフォームの送信先を返す。
func (d FormData) Action() string {
	if d.Editing {
		return "/edit/" + d.BlogID
	}
	return "/create"
}

// DashboardData はダッシュボードページのデータ。
type DashboardData struct {
	Stats model.DashboardStats
	Blogs []model.Blog
}

// AuthFormData はログイン・サインアップフォームのデータ。
type AuthFormData struct {
	FullName string
	Email    string
}

// MessageData はエラーページのデータ。
type MessageData struct {
	Heading string
	Message string
}
