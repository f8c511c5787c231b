package call

// ToggleScreencast switches the presentation source this device
// publishes: a nonzero ssrc starts screen sharing under that source
// id, zero stops it. The source counts as one of this device's own
// ids, so service updates about it never loop back as foreign
// participants, and the liveness poll covers it.
func (c *Controller) ToggleScreencast(ssrc uint32) {
	c.post(func() {
		if c.screencastSsrc == ssrc {
			return
		}
		if was := c.screencastSsrc; was != 0 {
			delete(c.mySsrcs, was)
		}
		c.screencastSsrc = ssrc
		c.screencastMirror.Store(ssrc)
		if ssrc != 0 {
			c.mySsrcs[ssrc] = struct{}{}
			c.log.Info().Uint32("ssrc", ssrc).Msg("screencast started")
		} else {
			c.log.Info().Msg("screencast stopped")
		}
	})
}

// dropScreencast clears a presentation the service no longer lists.
// The platform layer restarts sharing if it still wants it.
func (c *Controller) dropScreencast() {
	if c.screencastSsrc == 0 {
		return
	}
	delete(c.mySsrcs, c.screencastSsrc)
	c.screencastSsrc = 0
	c.screencastMirror.Store(0)
}
