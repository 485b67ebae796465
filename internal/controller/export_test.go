package controller

// ScheduledJobs returns ids of the jobs registered in the cron scheduler.
func (c *Controller) ScheduledJobs() []int64 {
	return c.scheduler.scheduledJobs()
}
