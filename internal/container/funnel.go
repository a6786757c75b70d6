package container

// funnelCounters holds the per-domain tallies behind the derived metrics.
// Only the recorders relevant to the container's category are expected to
// be used, but nothing breaks if they are not.
type funnelCounters struct {
	// Sales funnel (daily)
	prospectsResearched int
	pitchesGenerated    int
	emailsSent          int
	bookingsCreated     int

	// Operations (hourly)
	clientsOnboarded int
	optimizations    int
	reportsGenerated int
	automationLevel  float64

	// Finance (weekly)
	mrr                 float64
	totalRevenue        float64
	totalCosts          float64
	customerCount       int
	paymentSuccessCount int
	paymentTotalCount   int
}

// RecordProspect records a new prospect researched.
func (c *Container) RecordProspect(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.prospectsResearched++
	c.appendEventLocked("prospect_researched", data)
	c.refreshSalesLocked()
}

// RecordPitch records a pitch generated.
func (c *Container) RecordPitch(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.pitchesGenerated++
	c.appendEventLocked("pitch_generated", data)
	c.refreshSalesLocked()
}

// RecordOutreach records an outreach email sent.
func (c *Container) RecordOutreach(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.emailsSent++
	c.appendEventLocked("email_sent", data)
	c.refreshSalesLocked()
}

// RecordBooking records a booking created.
func (c *Container) RecordBooking(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.bookingsCreated++
	c.appendEventLocked("booking_created", data)
	c.refreshSalesLocked()
}

// refreshSalesLocked derives conversion and throughput from the funnel.
func (c *Container) refreshSalesLocked() {
	if c.funnel.prospectsResearched > 0 {
		c.metrics.ConversionRate = float64(c.funnel.bookingsCreated) / float64(c.funnel.prospectsResearched)
	}
	if c.funnel.emailsSent > 0 {
		c.metrics.Throughput = float64(c.funnel.emailsSent)
	}
}

// RecordOnboarding records a client onboarded.
func (c *Container) RecordOnboarding(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.clientsOnboarded++
	c.appendEventLocked("client_onboarded", data)
	c.refreshOpsLocked()
}

// RecordOptimization records a profile optimization completed.
func (c *Container) RecordOptimization(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.optimizations++
	c.appendEventLocked("profile_optimized", data)
	c.refreshOpsLocked()
}

// RecordReport records a report generated.
func (c *Container) RecordReport(data map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.reportsGenerated++
	c.appendEventLocked("report_generated", data)
}

// SetAutomationLevel sets the current automation level in [0,1], which
// maps directly onto the efficiency metric.
func (c *Container) SetAutomationLevel(level float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.automationLevel = clamp01(level)
	c.metrics.Efficiency = c.funnel.automationLevel
}

func (c *Container) refreshOpsLocked() {
	total := c.funnel.clientsOnboarded + c.funnel.optimizations
	if total > 0 {
		c.metrics.Throughput = float64(total)
	}
}

// RecordPayment records a payment attempt and its outcome.
func (c *Container) RecordPayment(amount float64, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.paymentTotalCount++
	if success {
		c.funnel.paymentSuccessCount++
		c.funnel.totalRevenue += amount
	}
	c.appendEventLocked("payment", map[string]any{"amount": amount, "success": success})
	c.refreshFinanceLocked()
}

// RecordCustomer records a new customer and its MRR contribution.
func (c *Container) RecordCustomer(mrrContribution float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.customerCount++
	c.funnel.mrr += mrrContribution
	c.appendEventLocked("customer_added", map[string]any{"mrr": mrrContribution})
	c.refreshFinanceLocked()
}

// RecordCost records a cost incurred in the given category.
func (c *Container) RecordCost(amount float64, category string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funnel.totalCosts += amount
	c.appendEventLocked("cost", map[string]any{"amount": amount, "category": category})
	c.refreshFinanceLocked()
}

// refreshFinanceLocked derives margin efficiency, payment conversion and
// MRR throughput from the tallies.
func (c *Container) refreshFinanceLocked() {
	if c.funnel.totalRevenue > 0 {
		c.metrics.Efficiency = (c.funnel.totalRevenue - c.funnel.totalCosts) / c.funnel.totalRevenue
	}
	if c.funnel.paymentTotalCount > 0 {
		c.metrics.ConversionRate = float64(c.funnel.paymentSuccessCount) / float64(c.funnel.paymentTotalCount)
	}
	c.metrics.Throughput = c.funnel.mrr
}

// Profit returns revenue minus costs.
func (c *Container) Profit() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.funnel.totalRevenue - c.funnel.totalCosts
}

// LTV returns the average lifetime value per customer.
func (c *Container) LTV() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.funnel.customerCount == 0 {
		return 0
	}
	return c.funnel.totalRevenue / float64(c.funnel.customerCount)
}
