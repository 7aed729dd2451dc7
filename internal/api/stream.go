package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// DefaultKeepAlive はストリームにコメント行を送る間隔です。
const DefaultKeepAlive = 15 * time.Second

// StreamHandler は GET /jobs/:id/stream のハンドラーを返します。
// 進捗を Server-Sent Events の data 行として送り、切断またはサーバー停止で購読を解除します。
func StreamHandler(svc JobService, keepAlive time.Duration) gin.HandlerFunc {
	if keepAlive <= 0 {
		keepAlive = DefaultKeepAlive
	}
	return func(c *gin.Context) {
		id, ok := jobIDParam(c)
		if !ok {
			return
		}

		ctx := c.Request.Context()
		sub, err := svc.Subscribe(ctx, id)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer svc.Unsubscribe(sub)

		header := c.Writer.Header()
		header.Set("Content-Type", "text/event-stream")
		header.Set("Cache-Control", "no-cache")
		header.Set("Connection", "keep-alive")
		header.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.Flush()

		ticker := time.NewTicker(keepAlive)
		defer ticker.Stop()

		c.Stream(func(w io.Writer) bool {
			select {
			case <-ctx.Done():
				return false
			case msg, ok := <-sub.Messages():
				if !ok {
					return false
				}
				_, err := fmt.Fprintf(w, "data: %s\n\n", msg)
				return err == nil
			case <-ticker.C:
				_, err := io.WriteString(w, ": keep-alive\n\n")
				return err == nil
			}
		})
	}
}
