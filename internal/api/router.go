package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"stayhive/core/internal/api/handlers"
	"stayhive/core/internal/api/middleware"
	"stayhive/core/internal/config"
	"stayhive/core/internal/db"
	"stayhive/core/internal/notify"
	"stayhive/core/internal/services"
)

// SetupRouter configures and returns the main Gin engine.
func SetupRouter(cfg *config.Config, database *mongo.Database, rdb *redis.Client, taskClient *asynq.Client, configSvc services.IConfigService) *gin.Engine {
	// Initialize services needed by API handlers here
	txn := db.NewTxn(database.Client(), cfg.TxnMaxRetries)

	var dispatcher notify.Dispatcher = &notify.LoggingDispatcher{}
	if taskClient != nil {
		dispatcher = notify.NewAsynqDispatcher(taskClient)
	}

	ledgerService := services.NewLedgerService(database, cfg, configSvc, txn)
	rewardService := services.NewRewardService(database)
	bookingService := services.NewBookingService(database, cfg, configSvc, ledgerService, rewardService, dispatcher, txn)
	reconcileService := services.NewReconcileService(database, cfg, configSvc, bookingService)

	r := gin.Default()

	rateLimiter := middleware.NewRateLimiterMiddleware(cfg)
	r.Use(middleware.CORSMiddleware())
	r.Use(rateLimiter.Limit())

	bookingHandler := handlers.NewRestBookingHandler(bookingService)
	ledgerHandler := handlers.NewRestLedgerHandler(ledgerService)
	rewardHandler := handlers.NewRestRewardHandler(rewardService)
	adminHandler := handlers.NewRestAdminHandler(configSvc, reconcileService)

	v1 := r.Group("/v1")
	{
		// Booking lifecycle
		v1.POST("/booking", bookingHandler.CreateBooking)
		v1.GET("/booking/:id", bookingHandler.GetBooking)
		v1.POST("/booking/:id/approve", bookingHandler.Approve)
		v1.POST("/booking/:id/decline", bookingHandler.Decline)
		v1.POST("/booking/:id/cancel", bookingHandler.Cancel)

		// Host ledger
		v1.GET("/host/:id/metrics", ledgerHandler.GetMetrics)
		v1.GET("/host/:id/ledger", ledgerHandler.ListEntries)
		v1.POST("/host/:id/points/redeem", ledgerHandler.RedeemPoints)
		v1.POST("/host/:id/withdrawal", ledgerHandler.RequestWithdrawal)
		v1.GET("/host/:id/withdrawal", ledgerHandler.ListWithdrawals)

		// Coupons and rewards
		v1.POST("/host/:id/coupon", rewardHandler.CreateCoupon)
		v1.GET("/host/:id/coupon", rewardHandler.ListCoupons)
		v1.DELETE("/host/:id/coupon/:coupon_id", rewardHandler.DeactivateCoupon)
		v1.GET("/guest/:id/reward", rewardHandler.ListRewards)

		v1.GET("/ping", func(c *gin.Context) {
			c.String(http.StatusOK, "pong")
		})

		// Admin routes. Authentication is delegated to the gateway in front
		// of this service.
		admin := v1.Group("/admin")
		{
			admin.POST("/config", adminHandler.SetConfig)
			admin.POST("/reconcile", adminHandler.ReconcileAll)
			admin.POST("/reconcile/:id", adminHandler.ReconcileHost)
		}
	}

	return r
}
