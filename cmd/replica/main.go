// Command replica joins a document as a headless collaborator. It prints the
// document text whenever it changes; arguments are appended as paragraphs
// once the replica is in sync, after which it prints the result and exits.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chronicle/collab/internal/config"
	"chronicle/collab/internal/editor"
	"chronicle/collab/internal/session"
	"chronicle/collab/internal/syncchan"
	"chronicle/collab/internal/util"
)

func main() {
	cfg := config.Load()
	if cfg.DocumentID == "" || cfg.Token == "" {
		log.Fatalf("COLLAB_DOCUMENT and COLLAB_TOKEN are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	surface := editor.NewBufferSurface()
	transport := &syncchan.WebsocketTransport{BaseURL: trimCollabPath(cfg.URL), Token: cfg.Token}
	sess := session.New(cfg.DocumentID, surface, transport, session.Options{
		Replica: util.NewReplicaID(),
		UserID:  cfg.User,
		Name:    cfg.User,
		Channel: syncchan.Options{
			BaseBackoff: cfg.ReconnectBase,
			MaxBackoff:  cfg.ReconnectMax,
			MaxAttempts: cfg.ReconnectTries,
		},
		AwarenessTimeout: cfg.AwarenessTimeout,
		SelectionWindow:  cfg.SelectionWindow,
		CausalWindow:     cfg.CausalWindow,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	if err := waitFor(ctx, sess.Synced); err != nil {
		log.Fatalf("replica: sync %s: %v", cfg.DocumentID, err)
	}
	log.Printf("replica: in sync with %s", cfg.DocumentID)

	if lines := os.Args[1:]; len(lines) > 0 {
		if sess.ReadOnly() {
			log.Fatalf("replica: %s is read-only for this token", cfg.DocumentID)
		}
		for _, line := range lines {
			block := len(surface.Content())
			if err := surface.Edit(editor.Step{Kind: editor.StepInsertBlock, Block: block, Type: "paragraph", Text: line}); err != nil {
				log.Fatalf("replica: edit: %v", err)
			}
		}
		sess.LocalChanged()
		if err := waitFor(ctx, func() bool { return surface.Pending() == 0 && sess.Buffered() == 0 }); err != nil {
			log.Fatalf("replica: flush: %v", err)
		}
		printDocument(ctx, sess)
		return
	}

	last := ""
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case err := <-runErr:
			if err != nil && ctx.Err() == nil {
				log.Fatalf("replica: session ended: %v", err)
			}
			return
		case <-ticker.C:
			doc, err := sess.Document(ctx)
			if err != nil {
				continue
			}
			if text := doc.Text(); text != last {
				last = text
				fmt.Printf("--- %s\n%s\n", time.Now().Format(time.TimeOnly), text)
			}
		}
	}
}

func printDocument(ctx context.Context, sess *session.Session) {
	doc, err := sess.Document(ctx)
	if err != nil {
		log.Fatalf("replica: read document: %v", err)
	}
	fmt.Println(doc.Text())
}

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// trimCollabPath accepts both the server root and its /collab endpoint.
func trimCollabPath(url string) string {
	return strings.TrimSuffix(strings.TrimRight(url, "/"), "/collab")
}
