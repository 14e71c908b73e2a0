package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github-harvester/internal/domain"
	"github-harvester/internal/service"
)

func printStats(w io.Writer, s *domain.Stats) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "仓库总数\t%d\n", s.TotalRepos)
	fmt.Fprintf(tw, "可用于训练\t%d\n", s.TrainingReady)
	fmt.Fprintf(tw, "已迁移\t%d\n", s.Migrated)
	fmt.Fprintf(tw, "待迁移\t%d\n", s.Pending)
	fmt.Fprintf(tw, "已拒绝\t%d\n", s.Rejected)
	fmt.Fprintf(tw, "抽取记录\t%d\n", s.TotalExtracted)

	kinds := make([]string, 0, len(s.ByKind))
	for k := range s.ByKind {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(tw, "  %s\t%d\n", k, s.ByKind[domain.DataKind(k)])
	}
	tw.Flush()
}

func printQuotas(w io.Writer, quotas []domain.Quota) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tREMAINING\tLIMIT\tRESET")
	for _, q := range quotas {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", q.Class, q.Remaining, q.Limit, q.Reset.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printEligibility(w io.Writer, fullName string, rec domain.EligibilityRecord) {
	if rec.IsValid {
		fmt.Fprintf(w, "✅ %s 通过校验: issues=%d prs=%d code_files=%d\n",
			fullName, rec.IssueCount, rec.PRCount, rec.CodeFileCount)
		return
	}
	fmt.Fprintf(w, "❌ %s 未通过: %s\n", fullName, strings.Join(rec.Reasons, "; "))
}

func printRepoResult(w io.Writer, fullName string, res *service.RepoResult) {
	fmt.Fprintf(w, "%s: 代码=%s 标签=%d issue=%d (失败 %d) PR=%d (失败 %d) 评论=%d\n",
		fullName, res.Transfer, res.Labels, res.Issues, res.IssueFailures, res.Pulls, res.PullFailures, res.Comments)
	switch {
	case res.IssuesSkipped && res.PullsSkipped:
		fmt.Fprintln(w, "  issue/PR 之前已迁移，本次跳过")
	case res.IssuesSkipped:
		fmt.Fprintln(w, "  issue 之前已迁移，本次只补 PR")
	case res.PullsSkipped:
		fmt.Fprintln(w, "  PR 之前已迁移，本次只补 issue")
	}
}
