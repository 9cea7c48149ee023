package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/moix-hash/research-agent-system/sdk/go/research"
)

func newSubmitCmd() *cobra.Command {
	var (
		server     string
		submission research.Submission
		wait       bool
		timeout    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "向运行中的 researchd 提交研究任务",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := research.NewClient(server, nil)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			receipt, err := client.Submit(ctx, submission)
			if err != nil {
				var apiErr *research.APIError
				if errors.As(err, &apiErr) && apiErr.TaskID != "" {
					return errors.Join(err, errors.New("rejected task: "+apiErr.TaskID))
				}
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if !wait {
				return enc.Encode(receipt)
			}
			result, err := client.Wait(ctx, receipt.TaskID, time.Second)
			if err != nil {
				return err
			}
			return enc.Encode(result)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&server, "server", "http://127.0.0.1:8080", "researchd 的 HTTP 地址")
	flags.StringVar(&submission.Topic, "topic", "", "研究主题")
	flags.StringVar(&submission.ContentType, "content-type", "article", "article|report|blog_post|summary")
	flags.StringVar(&submission.Tone, "tone", "professional", "professional|casual|academic|persuasive")
	flags.StringVar(&submission.Length, "length", "", "short|medium|long")
	flags.StringVar(&submission.Depth, "depth", "", "basic|comprehensive")
	flags.StringVar(&submission.SessionID, "session", "", "会话 ID，同一会话的任务共享上下文")
	flags.BoolVar(&wait, "wait", false, "等待任务结束并输出结果")
	flags.DurationVar(&timeout, "timeout", 10*time.Minute, "整体超时时间")
	_ = cmd.MarkFlagRequired("topic")
	return cmd
}
