package main

//go:generate swag init -g cmd/indexer/main.go -o docs

// @title           Activity Indexer API
// @version         0.1.0
// @description     Activity feed sync runs, sync state and indexed accounts.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
