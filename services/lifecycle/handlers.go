package main

import (
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HandleHealth health check
func HandleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

// CronAuth libera só o agendador que conhece o segredo compartilhado
func CronAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		given := c.GetHeader("X-Cron-Secret")
		if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "UNAUTHORIZED", "message": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// HandleSweep executa a varredura de assinaturas vencidas sob demanda
func HandleSweep(uc *LifecycleUseCase) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := uc.SweepExpired(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "Sweep failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deactivated": count})
	}
}

// HandleRemind envia os lembretes de renovação da janela configurada
func HandleRemind(uc *LifecycleUseCase, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		count, err := uc.RemindExpiring(c.Request.Context(), window)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "INTERNAL_ERROR", "message": "Reminder run failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reminded": count})
	}
}
