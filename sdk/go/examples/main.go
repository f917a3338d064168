package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"SoroTask/internal/api"
	"SoroTask/internal/task"
	"SoroTask/sdk/go/sorotask"
)

// demoHost 在进程内模拟目标合约：resolver 总是放行，调用总是成功。
type demoHost struct{}

func (demoHost) TryInvoke(context.Context, string, string, []task.Value) (task.Value, error) {
	return task.Bool(true), nil
}

func (demoHost) Invoke(_ context.Context, target, function string, _ []task.Value) (task.Value, error) {
	log.Printf("invoked %s.%s", target, function)
	return task.Value{}, nil
}

func main() {
	engine := task.NewEngine(task.NewMemoryStore(), demoHost{})
	srv := httptest.NewServer(api.NewServer(":0", engine).Handler())
	defer srv.Close()

	client, err := sorotask.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatalf("new client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = client.Register(ctx, 1, &sorotask.Task{
		Target:   "0x00000000000000000000000000000000000000aa",
		Function: "harvest(uint256)",
		Args:     []sorotask.Value{task.Int(42)},
		Resolver: "0x00000000000000000000000000000000000000bb",
		Interval: 3600,
	})
	if err != nil {
		log.Fatalf("register: %v", err)
	}

	outcome, err := client.Execute(ctx, 1)
	if err != nil {
		log.Fatalf("execute: %v", err)
	}

	t, found, err := client.GetTask(ctx, 1)
	if err != nil || !found {
		log.Fatalf("get task: found=%v err=%v", found, err)
	}
	fmt.Printf("outcome=%s last_run=%d\n", outcome, t.LastRun)
}
