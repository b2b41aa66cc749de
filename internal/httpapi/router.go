package httpapi

import (
	"net/http"
	"strconv"

	"clipforge-controlplane/pkg/errutil"
	"clipforge-controlplane/pkg/health"
	"clipforge-controlplane/pkg/middleware"
	"clipforge-controlplane/services/experiment"
	"clipforge-controlplane/services/job"
	"clipforge-controlplane/services/org"
	"clipforge-controlplane/services/plan"

	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
)

var Module = fx.Module("httpapi",
	fx.Provide(
		fx.Annotate(NewRouter, fx.As(new(http.Handler))),
	),
)

type RouterParams struct {
	fx.In
	Health      health.HealthService
	Orgs        *org.Service
	Plans       *plan.Service
	Jobs        *job.Service
	Experiments *experiment.Service
}

type router struct {
	orgs        *org.Service
	plans       *plan.Service
	jobs        *job.Service
	experiments *experiment.Service
}

func NewRouter(p RouterParams) *gin.Engine {
	r := &router{
		orgs:        p.Orgs,
		plans:       p.Plans,
		jobs:        p.Jobs,
		experiments: p.Experiments,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), middleware.Error())

	engine.GET("/healthz", p.Health.Liveness)
	engine.GET("/readyz", p.Health.Readiness)

	v1 := engine.Group("/v1")
	{
		v1.POST("/orgs", r.createOrg)
		v1.GET("/orgs", r.listOrgs)
		v1.GET("/orgs/:id", r.getOrg)

		v1.GET("/plans", r.listPlans)

		v1.POST("/jobs", r.createJob)
		v1.GET("/jobs/:id", r.getJob)
		v1.POST("/jobs/:id/transition", r.reportTransition)
		v1.POST("/jobs/:id/cancel", r.cancelJob)
		v1.GET("/queue", r.queueStatus)

		v1.POST("/experiments", r.createExperiment)
		v1.GET("/experiments/:id", r.getExperiment)
		v1.POST("/experiments/:id/metrics", r.ingestStats)
		v1.POST("/experiments/:id/allocate", r.allocate)
		v1.POST("/experiments/:id/decide", r.decide)
		v1.POST("/experiments/:id/stop", r.stopExperiment)
	}

	return engine
}

func (r *router) createOrg(c *gin.Context) {
	var req org.CreateOrgRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	record, err := r.orgs.CreateOrg(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, record)
}

func (r *router) getOrg(c *gin.Context) {
	record, err := r.orgs.GetOrg(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, record)
}

func (r *router) listOrgs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil {
		c.Error(errutil.BadRequest("limit must be an integer"))
		return
	}

	orgs, err := r.orgs.ListOrgs(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"orgs": orgs})
}

func (r *router) listPlans(c *gin.Context) {
	plans, err := r.plans.ListPlans(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"plans": plans})
}

func (r *router) createJob(c *gin.Context) {
	var req job.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	view, err := r.jobs.CreateJob(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, view)
}

func (r *router) getJob(c *gin.Context) {
	view, err := r.jobs.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, view)
}

type transitionRequest struct {
	To     job.JobState           `json:"to" binding:"required"`
	Detail map[string]interface{} `json:"detail,omitempty"`
}

func (r *router) reportTransition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	view, err := r.jobs.ReportTransition(c.Request.Context(), c.Param("id"), req.To, req.Detail)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, view)
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (r *router) cancelJob(c *gin.Context) {
	var req cancelRequest
	_ = c.ShouldBindJSON(&req) // body is optional

	view, err := r.jobs.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, view)
}

func (r *router) queueStatus(c *gin.Context) {
	lanes, err := r.jobs.QueueStatus(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"lanes": lanes})
}

func (r *router) createExperiment(c *gin.Context) {
	var req experiment.CreateExperimentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	view, err := r.experiments.CreateExperiment(c.Request.Context(), req)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, view)
}

func (r *router) getExperiment(c *gin.Context) {
	view, err := r.experiments.GetExperiment(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, view)
}

type ingestRequest struct {
	Deltas []experiment.StatDelta `json:"deltas" binding:"required"`
}

func (r *router) ingestStats(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errutil.BadRequest("invalid request body", errutil.WithErr(err)))
		return
	}

	if err := r.experiments.IngestStats(c.Request.Context(), c.Param("id"), req.Deltas); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"ingested": len(req.Deltas)})
}

func (r *router) allocate(c *gin.Context) {
	n, err := strconv.Atoi(c.DefaultQuery("n", "100"))
	if err != nil {
		c.Error(errutil.BadRequest("n must be an integer"))
		return
	}

	shares, err := r.experiments.Allocate(c.Request.Context(), c.Param("id"), n)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"allocations": shares})
}

func (r *router) decide(c *gin.Context) {
	decision, err := r.experiments.EvaluatePromotion(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

func (r *router) stopExperiment(c *gin.Context) {
	view, err := r.experiments.Stop(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, view)
}
