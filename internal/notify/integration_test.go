//go:build integration

package notify_test

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ligustah/harvest/internal/notify"
	"github.com/ligustah/harvest/internal/testutils"
)

func TestIntegrationListener(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()
	url := testutils.StartRabbitMQContainer(t, ctx)

	l, err := notify.Listen(ctx, url, "m2m.async", nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer l.Close()

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("Channel: %v", err)
	}
	defer ch.Close()

	if err := notify.Publish(ctx, ch, "m2m.async", notify.Completion{RequestID: "request-1"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for !l.Completed("request-1") {
		if time.Now().After(deadline) {
			t.Fatal("completion not received")
		}
		time.Sleep(100 * time.Millisecond)
	}
}
