package main

import "github.com/gin-gonic/gin"

func (s *APIServer) registerRoutes() {
	r := s.router

	// Public, read-only
	api := r.Group("/api")
	api.GET("/status", s.handleStatus)
	api.GET("/block/:id", s.handleBlock)
	api.GET("/tx/:hash", s.handleTx)
	api.GET("/account/:address", s.handleAccount)
	api.GET("/mempool", s.handleMempool)
	api.GET("/peers", s.handlePeers)
	api.GET("/peers/banned", s.handleBannedPeers)
	api.GET("/validators", s.handleValidators)
	api.GET("/proofs", s.handleProofs)
	api.GET("/speedtest", s.handleSpeedTest)
	api.GET("/ws", s.handleWS)

	// Mutating, behind the cookie token
	priv := api.Group("", authRequired(s.token))
	priv.POST("/tx", s.handleSubmitTx)
	priv.POST("/proof", s.handleSubmitProof)
	priv.POST("/producer/start", s.handleProducerStart)
	priv.POST("/producer/stop", s.handleProducerStop)

	r.GET("/metrics", gin.WrapH(s.daemon.Metrics().Handler()))
}
