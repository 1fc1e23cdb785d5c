package flow

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/flow-forge/internal/jobs"
)

// SnapshotHandler はフローの現在のスナップショットを返します。
func SnapshotHandler(projector *Projector) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, ok := flowRef(c)
		if !ok {
			return
		}
		snap, err := projector.Snapshot(c.Request.Context(), ref)
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// StreamHandler はフローのスナップショットを Server-Sent Events で配信します。
// 接続直後に1回、以降はフローに関係するイベントごとに "snapshot" を送り、
// ルートが終了すると "end" を送って接続を閉じます。
func StreamHandler(projector *Projector, queues []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, ok := flowRef(c)
		if !ok {
			return
		}
		ctx := c.Request.Context()

		started := false
		push := func(snap *Snapshot) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !started {
				c.Header("Content-Type", "text/event-stream")
				c.Header("Cache-Control", "no-cache")
				c.Header("Connection", "keep-alive")
				c.Header("X-Accel-Buffering", "no")
				c.Status(http.StatusOK)
				started = true
			}
			c.SSEvent("snapshot", snap)
			c.Writer.Flush()
			return nil
		}

		err := projector.Watch(ctx, ref, queues, push)
		if !started {
			if err == nil {
				err = context.Canceled
			}
			respondWithError(c, err)
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			c.SSEvent("error", gin.H{
				"code":    "STREAM_FAILED",
				"message": "進捗の配信中にエラーが発生しました。",
			})
		} else {
			c.SSEvent("end", gin.H{"jobId": ref.ID, "queue": ref.Queue})
		}
		c.Writer.Flush()
	}
}

// CancelHandler はフローのキャンセルを要求します。実行中のジョブは止まりません。
func CancelHandler(store *jobs.Store, ttl time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ref, ok := flowRef(c)
		if !ok {
			return
		}
		if err := store.RequestCancel(c.Request.Context(), ref, ttl); err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"jobId":  ref.ID,
			"queue":  ref.Queue,
			"status": "cancel_requested",
		})
	}
}

func flowRef(c *gin.Context) (jobs.Ref, bool) {
	queue := strings.TrimSpace(c.Param("queue"))
	id := strings.TrimSpace(c.Param("id"))
	if queue == "" || id == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "キュー名とジョブIDを指定してください。",
		})
		return jobs.Ref{}, false
	}
	return jobs.Ref{Queue: queue, ID: id}, true
}

func respondWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrFlowNotFound), errors.Is(err, jobs.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "FLOW_NOT_FOUND",
			"message": "指定されたフローは存在しません。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
