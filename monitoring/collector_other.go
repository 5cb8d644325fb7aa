//go:build !linux

package monitoring

func (c *HostCollector) collectPlatform() (SystemSample, error) {
	return SystemSample{}, ErrUnsupported
}
