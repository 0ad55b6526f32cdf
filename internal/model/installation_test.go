package model

import "testing"

func TestInstallation_GrantsRepo(t *testing.T) {
	inst := &Installation{
		ID:    42,
		Owner: "alice",
		Repos: []string{"alice/blog", "alice/notes"},
	}

	tests := []struct {
		name     string
		fullName string
		want     bool
	}{
		{"完全一致", "alice/blog", true},
		{"大文字小文字の違いは無視される", "Alice/Blog", true},
		{"リスト外のリポジトリ", "alice/secret", false},
		{"別の所有者", "bob/blog", false},
		{"空文字列", "", false},
		{"部分一致では許可しない", "alice/blo", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := inst.GrantsRepo(tt.fullName); got != tt.want {
				t.Errorf("GrantsRepo(%q) = %v, want %v", tt.fullName, got, tt.want)
			}
		})
	}
}

func TestInstallation_GrantsRepo_EmptyRepos(t *testing.T) {
	inst := &Installation{ID: 7, Owner: "alice"}

	if inst.GrantsRepo("alice/blog") {
		t.Error("リポジトリ一覧が空のインストールはアクセスを許可してはならない")
	}
}

func TestOwnerKey(t *testing.T) {
	tests := []struct {
		name  string
		owner string
		want  string
	}{
		{"小文字はそのまま", "alice", "alice"},
		{"大文字は小文字に正規化される", "Alice", "alice"},
		{"混在", "MyOrg", "myorg"},
		{"数字とハイフンは保持される", "my-org-123", "my-org-123"},
		{"空文字列", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OwnerKey(tt.owner); got != tt.want {
				t.Errorf("OwnerKey(%q) = %q, want %q", tt.owner, got, tt.want)
			}
		})
	}
}
