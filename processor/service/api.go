package service

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

type BaseReply struct {
	Status string `json:"status"`
}

type ReprocessRequest struct {
	CrashId string `json:"crash_id" binding:"required"`
	Ruleset string `json:"ruleset"`
}

func (p *ProcessorService) router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	if p.metrics != nil {
		engine.GET("/metrics", gin.WrapH(p.metrics.Handler()))
	}
	engine.GET("/rulesets", p.GetRulesets())
	engine.POST("/process", p.PostReprocess())
	return engine
}

func (p *ProcessorService) setBadRequest(descr string, c *gin.Context) {
	c.JSON(http.StatusBadRequest, &BaseReply{fmt.Sprintf("error: %s", descr)})
}

func (p *ProcessorService) GetRulesets() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, p.pline.Rulesets())
	}
}

func (p *ProcessorService) PostReprocess() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ReprocessRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			p.setBadRequest("Missing parameter 'crash_id'", c)
			return
		}
		if len(req.Ruleset) != 0 && !slices.Contains(p.pline.Rulesets(), req.Ruleset) {
			p.setBadRequest(fmt.Sprintf("Unknown ruleset '%s'", req.Ruleset), c)
			return
		}

		if err := p.addReprocess(req.CrashId, req.Ruleset); err != nil {
			log.WithFields(log.Fields{
				"crash_id": req.CrashId,
				"error":    err,
			}).Error("Can't add reprocess task")
			c.JSON(http.StatusInternalServerError, &BaseReply{"error: Can't add new task to reprocess crash"})
			return
		}
		c.JSON(http.StatusAccepted, &BaseReply{"success"})
	}
}
