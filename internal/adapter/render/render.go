// Package render 生成迁移到目标端的 issue、PR、评论正文 (Markdown)
package render

import (
	"fmt"
	"strings"
	"time"

	"github-harvester/internal/domain"
)

// MaxPatchLen 单个文件 diff 的最大长度
const MaxPatchLen = 3000

var fileIcons = map[string]string{
	"added":    "🟢",
	"removed":  "🔴",
	"modified": "🟡",
	"renamed":  "🔵",
}

var reviewIcons = map[string]string{
	"APPROVED":          "✅",
	"CHANGES_REQUESTED": "🔴",
	"COMMENTED":         "💬",
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func author(login string) string {
	if login == "" {
		return "?"
	}
	return login
}

// IssueBody 在原文前加上作者、时间和原链接
func IssueBody(it domain.IssueItem) string {
	return fmt.Sprintf("📌 *@%s — %s*\n🔗 [GitHub](%s)\n\n---\n\n%s",
		author(it.Author), stamp(it.CreatedAt), it.HTMLURL, it.Body)
}

// CommentBody 在原文前加上作者和原始时间
func CommentBody(c domain.Comment) string {
	return fmt.Sprintf("💬 *@%s — %s*\n\n---\n\n%s", author(c.Author), stamp(c.CreatedAt), c.Body)
}

// PullTitle 目标端用 issue 表示 PR
func PullTitle(pr domain.PullItem) string {
	return fmt.Sprintf("[PR #%d] %s", pr.Number, pr.Title)
}

// DiffStats 列表接口不带统计时，用变更文件汇总
func DiffStats(pr domain.PullItem, files []domain.ChangedFile) (additions, deletions, changed int) {
	additions, deletions, changed = pr.Additions, pr.Deletions, pr.ChangedFiles
	if additions != 0 || deletions != 0 || changed != 0 {
		return
	}
	for _, f := range files {
		additions += f.Additions
		deletions += f.Deletions
	}
	return additions, deletions, len(files)
}

func mergeStatus(pr domain.PullItem) string {
	switch {
	case pr.Merged:
		return "✅ Merged"
	case pr.State == "closed":
		return "❌ Closed"
	default:
		return "🟡 Open"
	}
}

// PullBody 元数据表 + 原描述 + 变更文件 + 审查意见
func PullBody(pr domain.PullItem, files []domain.ChangedFile, reviews []domain.Review) string {
	additions, deletions, changed := DiffStats(pr, files)

	var b strings.Builder
	fmt.Fprintf(&b, "## 🔀 Pull Request #%d\n\n", pr.Number)
	b.WriteString("| Field | Value |\n|------|-------|\n")
	fmt.Fprintf(&b, "| **Author** | @%s |\n", author(pr.Author))
	fmt.Fprintf(&b, "| **Date** | %s |\n", stamp(pr.CreatedAt))
	fmt.Fprintf(&b, "| **Status** | %s |\n", mergeStatus(pr))
	fmt.Fprintf(&b, "| **Branch** | `%s` → `%s` |\n", orUnknown(pr.HeadRef), orUnknown(pr.BaseRef))
	fmt.Fprintf(&b, "| **Changes** | +%d / -%d in %d files |\n", additions, deletions, changed)
	fmt.Fprintf(&b, "| **GitHub** | [Link](%s) |\n\n", pr.HTMLURL)
	b.WriteString("---\n\n")
	fmt.Fprintf(&b, "### 📝 Description\n\n%s\n\n", pr.Body)

	if len(files) > 0 {
		b.WriteString("---\n\n### 📁 Changed files\n\n")
		for _, f := range files {
			icon, ok := fileIcons[f.Status]
			if !ok {
				icon = "⚪"
			}
			fmt.Fprintf(&b, "#### %s `%s` (+%d -%d)\n\n", icon, f.Filename, f.Additions, f.Deletions)
			if f.Patch != "" {
				fmt.Fprintf(&b, "```diff\n%s\n```\n\n", truncatePatch(f.Patch))
			}
		}
	}

	var visible []domain.Review
	for _, r := range reviews {
		if strings.TrimSpace(r.Body) != "" {
			visible = append(visible, r)
		}
	}
	if len(visible) > 0 {
		b.WriteString("---\n\n### 💬 Reviews\n\n")
		for _, r := range visible {
			state := r.State
			if state == "" {
				state = "COMMENTED"
			}
			icon, ok := reviewIcons[state]
			if !ok {
				icon = "💬"
			}
			fmt.Fprintf(&b, "%s **@%s** — %s\n\n> %s\n\n", icon, author(r.Reviewer), state, r.Body)
		}
	}
	return b.String()
}

func truncatePatch(p string) string {
	r := []rune(p)
	if len(r) <= MaxPatchLen {
		return p
	}
	return string(r[:MaxPatchLen]) + "\n... (truncated)"
}

func orUnknown(s string) string {
	if s == "" {
		return "?"
	}
	return s
}
