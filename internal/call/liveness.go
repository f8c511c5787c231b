package call

import "context"

// checkJoined polls the service for this device's continued presence
// while the engine stays disconnected. A missing source id or a failed
// poll means the slot was lost and the session must reattach.
func (c *Controller) checkJoined() {
	if c.state() != StateConnecting || !c.call.Valid() || c.mySsrc == 0 {
		return
	}
	ssrcs := []uint32{c.mySsrc}
	if c.screencastSsrc != 0 {
		ssrcs = append(ssrcs, c.screencastSsrc)
	}
	call := c.call
	go func() {
		alive, err := c.sig.CheckLiveness(context.Background(), call, ssrcs)
		c.post(func() { c.checkJoinedFinished(alive, err) })
	}()
}

func (c *Controller) checkJoinedFinished(alive []uint32, err error) {
	// Only a still-Connecting session acts on the result; a rejoin or
	// hangup that landed meanwhile owns the session now.
	if c.state() != StateConnecting {
		return
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("liveness poll failed, rejoining")
		metricLivenessFailures.Inc()
		metricRejoins.WithLabelValues("liveness").Inc()
		c.rejoin(c.joinAs)
		return
	}
	present := false
	for _, ssrc := range alive {
		if ssrc == c.mySsrc {
			present = true
			break
		}
	}
	if !present {
		c.log.Warn().Uint32("ssrc", c.mySsrc).Msg("not listed in call anymore, rejoining")
		metricLivenessFailures.Inc()
		metricRejoins.WithLabelValues("liveness").Inc()
		c.rejoin(c.joinAs)
		return
	}
	if sc := c.screencastSsrc; sc != 0 {
		scPresent := false
		for _, ssrc := range alive {
			if ssrc == sc {
				scPresent = true
				break
			}
		}
		if !scPresent {
			c.log.Warn().Uint32("ssrc", sc).Msg("presentation not listed anymore, stopping screencast")
			c.dropScreencast()
		}
	}
	c.checkJoinedTimer.callOnce(checkJoinedTimeout)
}
