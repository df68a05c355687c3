/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit_test

import (
	"bytes"
	"context"
	"fmt"
	stdlog "log"
	"time"

	"github.com/acronis/go-appkit/config"

	ratelimit "github.com/acronis/go-ratelimit"
	"github.com/acronis/go-ratelimit/memstore"
)

func Example() {
	// In production the store would be redisstore.New(...) on a shared Redis;
	// the in-memory store keeps the example self-contained.
	rl, err := ratelimit.New(memstore.New(), "example")
	if err != nil {
		stdlog.Fatal(err)
	}
	if err = rl.AddCondition(2, 3*time.Second); err != nil {
		stdlog.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		granted, _, acquireErr := rl.TryAcquire(ctx, "user-42", 1)
		if acquireErr != nil {
			stdlog.Fatal(acquireErr)
		}
		fmt.Println("granted:", granted)
	}

	blocked, err := rl.Block(ctx, "user-42", 5*time.Second)
	if err != nil {
		stdlog.Fatal(err)
	}
	fmt.Println("blocked for:", blocked)

	// Output:
	// granted: true
	// granted: true
	// granted: false
	// blocked for: 5s
}

func ExampleNewFromConfig() {
	cfgData := bytes.NewReader([]byte(`
namespace: billing
conditions:
  - 2/3s
  - 100/m
`))
	cfg := ratelimit.NewConfig()
	if err := config.NewLoader(config.NewViperAdapter()).LoadFromReader(cfgData, config.DataTypeYAML, cfg); err != nil {
		stdlog.Fatal(err)
	}

	rl, err := ratelimit.NewFromConfig(memstore.New(), cfg, ratelimit.Opts{})
	if err != nil {
		stdlog.Fatal(err)
	}
	for _, c := range rl.Conditions() {
		fmt.Println(c)
	}

	// Output:
	// 2/3s
	// 100/1m0s
}
