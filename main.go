package main

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/kpeters/chargetrack/backend/classifier"
	"github.com/kpeters/chargetrack/backend/config"
	"github.com/kpeters/chargetrack/backend/dal"
	"github.com/kpeters/chargetrack/backend/database"
	"github.com/kpeters/chargetrack/backend/handlers"
	"github.com/kpeters/chargetrack/backend/middleware"
	"github.com/kpeters/chargetrack/backend/services"
	"github.com/kpeters/chargetrack/backend/services/chargepoint"
)

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC RECOVERED: %v", err)
				log.Printf("Stack trace: %s", debug.Stack())

				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "Internal server error",
				})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s - completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func main() {
	log.Println("Starting ChargeTrack...")
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg := config.Load()

	db, err := database.InitDB(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	var cpClient *chargepoint.Client
	if cfg.CPUsername != "" {
		cpClient = chargepoint.NewClient(cfg.CPUsername, cfg.CPPassword, cfg.CPStationID, cfg.DataDir)
	} else {
		log.Println("WARNING: CP_USERNAME not set, running without an upstream session source")
	}

	registry := classifier.NewRegistry(db)

	// The sampler prefers a local Modbus meter when one is configured;
	// otherwise power readings come from the cloud API.
	var reader services.PowerReader
	var modbusReader *services.ModbusPowerReader
	if cfg.ModbusAddress != "" {
		modbusReader = services.NewModbusPowerReader(cfg.ModbusAddress, cfg.ModbusUnitID, cfg.ModbusRegister)
		reader = modbusReader
		log.Printf("Using Modbus meter at %s as the power sample source", cfg.ModbusAddress)
	} else if cpClient != nil {
		reader = cpClient
	}

	var sampler *services.Sampler
	if reader != nil {
		sampler = services.NewSampler(reader, cfg.SampleInterval, cfg.SampleWindow, cfg.SampleTimeout)
	}

	var monitor *services.Monitor
	var store *dal.Store
	if cpClient != nil && sampler != nil {
		// Store and monitor reference each other: the monitor is the
		// store's live tier, the store is the monitor's write path.
		// Build the monitor first, then the store around it.
		monitor = services.NewMonitor(db, cpClient, nil, registry, sampler, cfg.PollInterval)
		store = dal.NewStore(db, cfg.DataDir, monitor)
		monitor.SetStore(store)
	} else {
		store = dal.NewStore(db, cfg.DataDir, nil)
	}

	wsHandler := handlers.NewWSHandler()

	if monitor != nil {
		if cfg.MQTTBroker != "" {
			publisher := services.NewPublisher(cfg.MQTTBroker, cfg.MQTTTopicPrefix, cfg.MQTTUsername, cfg.MQTTPassword)
			if err := publisher.Start(); err != nil {
				log.Printf("WARNING: MQTT publisher disabled: %v", err)
			} else {
				monitor.SetPublisher(publisher)
				defer publisher.Stop()
			}
		}
		monitor.SetStatusListener(wsHandler.Broadcast)
		go monitor.Start()
		defer monitor.Stop()
	}

	reportGenerator := services.NewReportGenerator(store.Historical(), cfg.DataDir, cfg.BaseURL)

	authHandler := handlers.NewAuthHandler(db, cfg.JWTSecret)
	historyHandler := handlers.NewHistoryHandler(store, cpClient)
	profileHandler := handlers.NewProfileHandler(db, registry, store)
	reportHandler := handlers.NewReportHandler(reportGenerator, registry)

	r := mux.NewRouter()

	r.Use(recoverMiddleware)
	r.Use(loggingMiddleware)

	r.HandleFunc("/api/auth/login", authHandler.Login).Methods("POST")
	r.HandleFunc("/api/health", healthCheck).Methods("GET")

	api := r.PathPrefix("/api").Subrouter()
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))

	api.HandleFunc("/auth/change-password", authHandler.ChangePassword).Methods("POST")

	if monitor != nil {
		statusHandler := handlers.NewStatusHandler(db, monitor)
		api.HandleFunc("/status", statusHandler.GetStatus).Methods("GET")
		api.HandleFunc("/debug/status", statusHandler.GetDebugStatus).Methods("GET")
		api.HandleFunc("/logs", statusHandler.GetLogs).Methods("GET")
		api.HandleFunc("/ws/status", wsHandler.Serve).Methods("GET")
	}

	api.HandleFunc("/history/years", historyHandler.GetYears).Methods("GET")
	api.HandleFunc("/history/{year}/months", historyHandler.GetMonths).Methods("GET")
	api.HandleFunc("/history/{year}/{month}/sessions", historyHandler.GetSessions).Methods("GET")
	api.HandleFunc("/history/{year}/{month}/sessions/{id}", historyHandler.GetSessionInMonth).Methods("GET")
	api.HandleFunc("/history/{year}/{month}/backfill", historyHandler.Backfill).Methods("POST")
	api.HandleFunc("/sessions/{id}", historyHandler.GetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/label", profileHandler.LabelSession).Methods("POST")

	api.HandleFunc("/vehicles", profileHandler.List).Methods("GET")
	api.HandleFunc("/vehicles/{id}", profileHandler.Update).Methods("PUT")
	api.HandleFunc("/vehicles/{id}/retrain", profileHandler.Retrain).Methods("POST")

	api.HandleFunc("/reports/weekly", reportHandler.Weekly).Methods("GET")
	api.HandleFunc("/reports/{year}/{month}", reportHandler.Download).Methods("GET")
	api.HandleFunc("/reports/{year}/{month}/generate", reportHandler.Generate).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:4173", "*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	})

	handler := c.Handler(r)

	server := &http.Server{
		Addr:         cfg.ServerAddress,
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  180 * time.Second,
	}

	if modbusReader != nil {
		defer modbusReader.Close()
	}

	log.Printf("Server starting on %s", cfg.ServerAddress)
	log.Println("Default credentials: admin / admin123")
	log.Println("IMPORTANT: Change default password after first login!")
	log.Println("===========================================")

	if err := server.ListenAndServe(); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}
