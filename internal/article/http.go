package article

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/flow-forge/internal/flow"
	"github.com/yourusername/flow-forge/internal/jobs"
)

// SubmittedJob は投入したフローのルートです。
type SubmittedJob struct {
	JobID  string     `json:"jobId"`
	Queue  string     `json:"queue"`
	Status jobs.State `json:"status"`
}

// ExtractRequest は商品情報抽出のリクエストです。
type ExtractRequest struct {
	ProductIDs []string `json:"productIds" binding:"required,min=1,max=100,dive,required"`
}

func submitted(t *flow.Tree) SubmittedJob {
	return SubmittedJob{JobID: t.Job.ID, Queue: t.Job.Queue, Status: t.Job.State}
}

// GenerateHandler は記事生成フローを投入します。
// POST /api/articles/:id/generate
func GenerateHandler(b *Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		tree, err := b.SubmitArticle(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondWithError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, submitted(tree))
	}
}

// ExtractHandler は商品ごとの情報抽出フローをまとめて投入します。
// POST /api/products/extract
func ExtractHandler(b *Builder) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ExtractRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_REQUEST",
				"message": "productIds を1件以上指定してください。",
			})
			return
		}
		trees, err := b.SubmitProducts(c.Request.Context(), req.ProductIDs)
		if err != nil {
			respondWithError(c, err)
			return
		}
		out := make([]SubmittedJob, 0, len(trees))
		for _, t := range trees {
			out = append(out, submitted(t))
		}
		c.JSON(http.StatusAccepted, gin.H{"jobs": out})
	}
}

func respondWithError(c *gin.Context, err error) {
	var dup *jobs.DuplicateJobError
	switch {
	case errors.Is(err, ErrArticleNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "ARTICLE_NOT_FOUND",
			"message": "指定された記事は存在しません。",
		})
	case errors.Is(err, ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "PRODUCT_NOT_FOUND",
			"message": "指定された商品は存在しません。",
		})
	case errors.Is(err, ErrNoProducts):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"code":    "NO_PRODUCTS",
			"message": "記事に紹介する商品が登録されていません。",
		})
	case errors.As(err, &dup):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "JOB_CONFLICT",
			"message": "同じ商品の処理が既に実行中です。完了後に再度お試しください。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
