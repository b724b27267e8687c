package main

//go:generate swag init -g cmd/surveillance/main.go -o docs

// @title           Insider Tracker API
// @version         0.1.0
// @description     Surveillance runs, risk scores, alerts and the alert event stream.
// @host            localhost:8080
// @BasePath        /
// @schemes         http
// @securityDefinitions.apikey BearerAuth
// @in              header
// @name            Authorization
