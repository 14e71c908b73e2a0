package feishu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github-harvester/internal/common"
	"github-harvester/internal/domain"
	"github-harvester/internal/port"
)

// Notifier 实现了 port.Notifier 接口，把运行报告推送到飞书群机器人
type Notifier struct {
	webhookURL string
	linkURL    string
	httpClient *http.Client
	sleep      common.SleepFunc
}

var _ port.Notifier = (*Notifier)(nil)

// NewNotifier 创建飞书通知器；linkURL 为卡片按钮跳转地址，可为空
func NewNotifier(webhook, linkURL string, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	if webhook == "" {
		logger.Warn("⚠️ 飞书 Webhook 为空，推送功能将无法工作！")
	}
	return &Notifier{
		webhookURL: webhook,
		linkURL:    linkURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		sleep:      common.Sleep,
	}
}

// NotifyReport 发送运行报告卡片 (Schema 2.0)
func (n *Notifier) NotifyReport(ctx context.Context, report *port.RunReport) error {
	if n.webhookURL == "" {
		return common.NewError(common.ErrCodeNotification, "Webhook URL 为空")
	}

	template := "blue"
	if report.MigrationFailed > 0 {
		template = "orange"
	}

	elements := []map[string]interface{}{
		{
			"tag":       "markdown",
			"content":   reportMarkdown(report),
			"text_size": "normal",
		},
	}
	if n.linkURL != "" {
		elements = append(elements, map[string]interface{}{
			"tag": "button",
			"text": map[string]interface{}{
				"tag":     "plain_text",
				"content": "🔗 查看镜像",
			},
			"type": "primary",
			"behaviors": []map[string]interface{}{
				{
					"type":        "open_url",
					"default_url": n.linkURL,
				},
			},
		})
	}

	payload := map[string]interface{}{
		"msg_type": "interactive",
		"card": map[string]interface{}{
			"schema": "2.0",
			"config": map[string]interface{}{
				"update_multi": true,
			},
			"header": map[string]interface{}{
				"title": map[string]interface{}{
					"tag":     "plain_text",
					"content": "📦 训练数据采集报告",
				},
				"template": template,
			},
			"body": map[string]interface{}{
				"direction": "vertical",
				"elements":  elements,
			},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return common.WrapError(common.ErrCodeNotification, "编码卡片失败", err)
	}

	err = common.Do(ctx, func() error {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
		if reqErr != nil {
			return reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		resp, postErr := n.httpClient.Do(req)
		if postErr != nil {
			return postErr
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("飞书 API 报错: 状态码 %d", resp.StatusCode)
		}
		return nil
	},
		common.WithMaxRetries(3),
		common.WithInitialDelay(500*time.Millisecond),
		common.WithSleep(n.sleep),
	)
	if err != nil {
		return common.WrapError(common.ErrCodeNotification, "发送请求失败", err)
	}
	return nil
}

func reportMarkdown(r *port.RunReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**⏱️ 耗时:** %.0f 秒\n", r.ElapsedSeconds)
	fmt.Fprintf(&b, "**✅ 本轮通过:** %d  |  **📥 抽取记录:** %d\n", r.Accepted, r.Extracted)
	fmt.Fprintf(&b, "**🚀 迁移成功:** %d  |  **❌ 迁移失败:** %d\n", r.MigratedOK, r.MigrationFailed)

	if s := r.Stats; s != nil {
		b.WriteString("\n**📊 账本统计:**\n")
		fmt.Fprintf(&b, "- 仓库总数: %d\n- 可训练: %d\n- 已迁移: %d\n- 待迁移: %d\n- 已拒绝: %d\n- 抽取总数: %d\n",
			s.TotalRepos, s.TrainingReady, s.Migrated, s.Pending, s.Rejected, s.TotalExtracted)

		kinds := make([]string, 0, len(s.ByKind))
		for k := range s.ByKind {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "  - %s: %d\n", k, s.ByKind[domain.DataKind(k)])
		}
	}
	return b.String()
}
