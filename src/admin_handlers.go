package main

import (
	"net/http"

	"trs/src/common"
	"trs/src/types"

	"github.com/gin-gonic/gin"
)

func adminHandlers(g *gin.RouterGroup, audit common.AuditEmitter) *gin.RouterGroup {
	g.
		POST("/events", func(ctx *gin.Context) {
			var body types.CreateEventRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			event, err := common.CreateEventLayout(ctx.Request.Context(), body)
			if err != nil {
				ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusCreated, gin.H{"data": event})
		}).
		POST("/events/:id/capacity", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			var body types.AddCapacityRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			pool, err := common.AddPoolCapacity(ctx.Request.Context(), audit, params.ID, body.PoolID, body.Slots, body.ActorID)
			if err != nil {
				ctx.JSON(statusForDomainError(err), gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": pool})
		}).
		PUT("/users/:id/role", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			var body types.AssignRoleRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			user, err := common.AssignRole(ctx.Request.Context(), audit, params.ID, body.Role, body.ActorID)
			if err != nil {
				ctx.JSON(statusForDomainError(err), gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": user})
		})
	return g
}
