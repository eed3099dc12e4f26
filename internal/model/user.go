// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"unicode/utf8"
)

// User はリモートAPIが返すログインユーザーを表す。
// この層では表示用途以外に中身を解釈しない。
type User struct {
	ID       string `json:"id"`
	FullName string `json:"fullName"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar,omitempty"`
}

// Initial はアバター画像がない場合に表示する頭文字を返す。
func (u *User) Initial() string {
	if u == nil {
		return ""
	}
	r, size := utf8.DecodeRuneInString(u.FullName)
	if size == 0 {
		return ""
	}
	return strings.ToUpper(string(r))
}

// AuthResult はログイン・サインアップ・Google認証のレスポンス。
type AuthResult struct {
	Token   string `json:"token"`
	User    *User  `json:"user"`
	Message string `json:"message,omitempty"`
}
