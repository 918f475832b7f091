package router

import (
	"context"
	"errors"

	"cv-analyzer-go/internal/api/handler"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/hertz-contrib/keyauth"
)

// RegisterRoutes 注册 API 路由。
// apiKey 非空时对 /api/v1 下的业务路由启用 Bearer 鉴权，健康检查不受影响。
func RegisterRoutes(h *server.Hertz, resumeHandler *handler.ResumeHandler, apiKey string) {
	h.GET("/api/v1/health", func(c context.Context, ctx *app.RequestContext) {
		ctx.JSON(consts.StatusOK, utils.H{"status": "ok"})
	})

	api := h.Group("/api/v1")
	if apiKey != "" {
		api.Use(keyauth.New(
			keyauth.WithKeyLookUp("header:Authorization", "Bearer"),
			keyauth.WithValidator(func(c context.Context, ctx *app.RequestContext, key string) (bool, error) {
				return key == apiKey, nil
			}),
			keyauth.WithErrorHandler(func(c context.Context, ctx *app.RequestContext, err error) {
				ctx.JSON(consts.StatusUnauthorized, utils.H{"error": "无效的访问令牌"})
				ctx.Abort()
			}),
		))
	}

	api.POST("/resume/upload", func(c context.Context, ctx *app.RequestContext) {
		// 获取上传的文件
		fileHeader, err := ctx.FormFile("file")
		if err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "文件未找到"})
			return
		}

		// 用户标识：表单优先，其次请求头；都没有时由服务端合成匿名会话ID
		userID := ctx.PostForm("user_id")
		if userID == "" {
			userID = string(ctx.GetHeader("X-User-ID"))
		}

		resp, err := resumeHandler.HandleUpload(c, userID, fileHeader)
		if err != nil {
			writeError(ctx, err)
			return
		}

		ctx.JSON(consts.StatusAccepted, resp)
	})

	api.GET("/resume/:resume_id/status", func(c context.Context, ctx *app.RequestContext) {
		resumeID := ctx.Param("resume_id")
		resp, err := resumeHandler.HandleGetStatus(c, resumeID)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.GET("/resume/:resume_id/analysis", func(c context.Context, ctx *app.RequestContext) {
		resumeID := ctx.Param("resume_id")
		resp, err := resumeHandler.HandleGetAnalysis(c, resumeID)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})

	api.POST("/resume/migrate", func(c context.Context, ctx *app.RequestContext) {
		var req handler.MigrateRequest
		if err := ctx.BindJSON(&req); err != nil {
			ctx.JSON(consts.StatusBadRequest, utils.H{"error": "请求体格式错误"})
			return
		}
		resp, err := resumeHandler.HandleMigrate(c, &req)
		if err != nil {
			writeError(ctx, err)
			return
		}
		ctx.JSON(consts.StatusOK, resp)
	})
}

// writeError 将处理器返回的错误写为JSON响应
func writeError(ctx *app.RequestContext, err error) {
	var apiErr *handler.APIError
	if errors.As(err, &apiErr) {
		ctx.JSON(apiErr.StatusCode, utils.H{"error": apiErr.Message})
		return
	}
	ctx.JSON(consts.StatusInternalServerError, utils.H{"error": "服务器内部错误"})
}
