package main

import (
	"errors"
	"net/http"
	"time"

	"trs/src/common"
	"trs/src/db"
	"trs/src/models"
	"trs/src/types"

	"github.com/gin-gonic/gin"
)

func reservationHandlers(g *gin.RouterGroup, engine *common.Engine) *gin.RouterGroup {
	g.
		POST("/reservations", func(ctx *gin.Context) {
			var body types.CreateHoldRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			req := common.HoldRequest{
				EventID:    body.EventID,
				CustomerID: body.CustomerID,
				UnitIDs:    body.Units,
				PoolID:     body.PoolID,
				Count:      int(body.Count),
				HoldFor:    time.Duration(body.HoldMinutes) * time.Minute,
			}
			reservation, err := engine.CreateHold(ctx.Request.Context(), req)
			if err != nil {
				ctx.JSON(statusForDomainError(err), gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusCreated, gin.H{"data": reservation})
		}).
		GET("/reservations/:id", func(ctx *gin.Context) {
			var params types.ReservationRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			var reservation models.Reservation
			db := db.GetDb()
			err := db.
				Model(&models.Reservation{}).
				Where("id = ?", params.ID).
				Preload("Event").
				First(&reservation).Error
			if err != nil {
				err := errors.New("reservation not found")
				ctx.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": reservation})
		}).
		PUT("/reservations/:id/confirm", func(ctx *gin.Context) {
			var params types.ReservationRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			reservation, err := engine.ConfirmPayment(ctx.Request.Context(), params.ID)
			if err != nil {
				ctx.JSON(statusForDomainError(err), gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": reservation})
		}).
		PUT("/reservations/:id/cancel", func(ctx *gin.Context) {
			var params types.ReservationRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			var body types.CancelReservationRequestBody
			if err := ctx.ShouldBindJSON(&body); err != nil {
				ctx.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			reservation, err := engine.Cancel(ctx.Request.Context(), params.ID, body.ActorID)
			if err != nil {
				ctx.JSON(statusForDomainError(err), gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": reservation})
		}).
		GET("/events/:id/inventory", func(ctx *gin.Context) {
			var params types.SimpleRequestParams
			if err := ctx.ShouldBindUri(&params); err != nil {
				ctx.Status(http.StatusBadRequest)
				return
			}
			snapshot, err := engine.InventorySnapshot(ctx.Request.Context(), params.ID)
			if err != nil {
				ctx.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
				return
			}
			ctx.JSON(http.StatusOK, gin.H{"data": snapshot, "count": len(snapshot)})
		})
	return g
}

func statusForDomainError(err error) int {
	switch {
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInsufficientInventory):
		return http.StatusConflict
	case errors.Is(err, types.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, types.ErrExpiredHold):
		return http.StatusGone
	default:
		return http.StatusUnprocessableEntity
	}
}
