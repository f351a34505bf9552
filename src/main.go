package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"reflect"

	"trs/src/boot"
	"trs/src/common"
	"trs/src/config"
	"trs/src/db"
	"trs/src/lib"
	"trs/src/models"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	_ "github.com/joho/godotenv/autoload"
)

const apiPrefix = "/api/v1"

// unitsXorCount accepts a hold request that names either specific seat
// units or a pool plus a count, never both and never neither.
func unitsXorCount(fl validator.FieldLevel) bool {
	parent := fl.Parent()
	if parent.Kind() == reflect.Ptr {
		parent = parent.Elem()
	}
	units := fl.Field().Len()
	count := parent.FieldByName("Count").Uint()
	pool := parent.FieldByName("PoolID").String()
	if units > 0 {
		return count == 0 && pool == ""
	}
	return count > 0 && pool != ""
}

func setupRouter(engine *common.Engine, audit common.AuditEmitter) *gin.Engine {
	router := gin.Default()
	router.Use(cors.Default())

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group(apiPrefix)
	reservationHandlers(api, engine)
	adminHandlers(api, audit)
	return router
}

func registerValidators() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterValidation("unitsxorcount", unitsXorCount)
	}
}

func notifyConfirmed(res *models.Reservation) {
	payload := map[string]any{
		"id":       res.ID,
		"event":    res.EventID,
		"customer": res.CustomerID,
		"units":    res.Units(),
	}
	if err := lib.KafkaProduceMessage("reservations_producer", "reservations-confirmed", payload); err != nil {
		log.Printf("Error on producing message: %s\n", err.Error())
	}
}

func main() {
	apiEnv := os.Getenv("API_ENV")
	if apiEnv == "local" {
		cwd, _ := os.Getwd()
		if err := godotenv.Load(path.Join(cwd, ".env")); err != nil {
			panic(err)
		}
	}

	registerValidators()

	boot.InitDb()
	boot.InitBroker()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rdb := lib.GetRedisClient()
	stream := common.NewRedisAuditStream(rdb,
		config.AuditStreamPrefix(), config.AuditGroup(),
		config.AuditPartitions(), config.AuditDLQMaxLen())
	if err := stream.EnsureGroups(ctx); err != nil {
		log.Fatalf("Error creating stream groups: %s\n", err.Error())
	}

	publisher := common.NewPublisher(stream)
	go publisher.Run(ctx)

	hostname, _ := os.Hostname()
	consumer := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	worker := common.NewWorker(stream, common.NewGormAuditSink(db.GetDb()), consumer,
		common.WithWorkerBatch(config.AuditBatchSize()),
		common.WithWorkerBlock(config.AuditBlock()),
		common.WithMaxDeliveries(int64(config.AuditMaxDeliveries())))
	go worker.Run(ctx)

	units := common.NewGormInventoryStore(db.GetDb())
	reservations := common.NewGormReservationStore(db.GetDb())
	engine := common.NewEngine(units, reservations, publisher,
		common.WithHoldDuration(config.HoldDuration()),
		common.WithBatchRetries(config.HoldRetryMax()),
		common.WithConfirmNotifier(notifyConfirmed))

	sweeper := common.NewSweeper(engine, reservations,
		common.WithSweepInterval(config.SweepInterval()),
		common.WithSweepBatch(config.SweepBatchSize()))
	if _, err := sweeper.Start(); err != nil {
		log.Fatalf("Error starting sweeper: %s\n", err.Error())
	}
	boot.InitScheduler()
	defer boot.StopScheduler()

	var auditEmitter common.AuditEmitter = publisher
	router := setupRouter(engine, auditEmitter)
	if err := router.Run(); err != nil {
		log.Fatalf("Error running server: %s\n", err.Error())
	}
}
