package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/urfave/cli/v2"

	"SoroTask/internal/manifest"
	"SoroTask/sdk/go/sorotask"
)

func newApp() *cli.App {
	return &cli.App{
		Name:  "sorotaskctl",
		Usage: "管理 SoroTask 守护进程中的任务",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Value:   "http://127.0.0.1:8080",
				EnvVars: []string{"SOROTASK_SERVER"},
				Usage:   "守护进程 API 地址",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: sorotask.DefaultHTTPTimeout,
				Usage: "单次请求超时时间",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "apply",
				Usage: "从 HCL 清单注册任务",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{Name: "file", Aliases: []string{"f"}, Required: true, Usage: "清单文件或目录"},
				},
				Action: applyAction,
			},
			{
				Name:      "get",
				Usage:     "查看单个任务",
				ArgsUsage: "<id>",
				Action:    getAction,
			},
			{
				Name:  "list",
				Usage: "列出任务",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "最多返回的任务数"},
					&cli.IntFlag{Name: "offset", Usage: "跳过的任务数"},
					&cli.StringFlag{Name: "target", Usage: "按目标合约过滤"},
					&cli.BoolFlag{Name: "has-resolver", Usage: "按是否配置 resolver 过滤"},
					&cli.BoolFlag{Name: "desc", Usage: "按 id 倒序"},
				},
				Action: listAction,
			},
			{
				Name:      "execute",
				Usage:     "同步执行一次任务",
				ArgsUsage: "<id>",
				Action:    executeAction,
			},
			{
				Name:      "trigger",
				Usage:     "将执行请求投递到队列",
				ArgsUsage: "<id>",
				Action:    triggerAction,
			},
			{
				Name:   "monitor",
				Usage:  "调用 monitor 接口",
				Action: monitorAction,
			},
		},
	}
}

func newClient(c *cli.Context) (*sorotask.Client, error) {
	timeout := c.Duration("timeout")
	if timeout <= 0 {
		timeout = sorotask.DefaultHTTPTimeout
	}
	return sorotask.NewClient(c.String("server"), &http.Client{Timeout: timeout})
}

func taskIDArg(c *cli.Context) (uint64, error) {
	if c.NArg() != 1 {
		return 0, fmt.Errorf("%s 需要且只需要一个任务 id", c.Command.Name)
	}
	id, err := strconv.ParseUint(c.Args().First(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("非法的任务 id %q: %w", c.Args().First(), err)
	}
	return id, nil
}

func applyAction(c *cli.Context) error {
	records, err := manifest.Load(c.StringSlice("file")...)
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	for _, r := range records {
		if err := client.Register(c.Context, r.ID, r.Task); err != nil {
			return fmt.Errorf("注册任务 %d 失败: %w", r.ID, err)
		}
		fmt.Fprintf(c.App.Writer, "task %d registered\n", r.ID)
	}
	return nil
}

func getAction(c *cli.Context) error {
	id, err := taskIDArg(c)
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	t, found, err := client.GetTask(c.Context, id)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("task %d not found", id)
	}
	return printJSON(c, sorotask.Record{ID: id, Task: t})
}

func listAction(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	q := sorotask.ListQuery{
		Limit:      c.Int("limit"),
		Offset:     c.Int("offset"),
		Target:     c.String("target"),
		Descending: c.Bool("desc"),
	}
	if c.IsSet("has-resolver") {
		has := c.Bool("has-resolver")
		q.HasResolver = &has
	}
	records, err := client.ListTasks(c.Context, q)
	if err != nil {
		return err
	}
	return printJSON(c, records)
}

func executeAction(c *cli.Context) error {
	id, err := taskIDArg(c)
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	started := time.Now()
	outcome, err := client.Execute(c.Context, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "task %d %s (%s)\n", id, outcome, time.Since(started).Round(time.Millisecond))
	return nil
}

func triggerAction(c *cli.Context) error {
	id, err := taskIDArg(c)
	if err != nil {
		return err
	}
	client, err := newClient(c)
	if err != nil {
		return err
	}
	if err := client.Trigger(c.Context, id); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "task %d triggered\n", id)
	return nil
}

func monitorAction(c *cli.Context) error {
	client, err := newClient(c)
	if err != nil {
		return err
	}
	return client.Monitor(c.Context)
}

func printJSON(c *cli.Context, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.App.Writer, string(data))
	return err
}
