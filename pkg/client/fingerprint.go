package client

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// DeviceFingerprint derives a stable hardware identifier from the host name,
// platform, primary MAC address and CPU model.
func DeviceFingerprint() (string, error) {
	var identifiers []string

	hostname, err := os.Hostname()
	if err == nil {
		identifiers = append(identifiers, "HOST:"+hostname)
	}
	identifiers = append(identifiers, "OS:"+runtime.GOOS)
	identifiers = append(identifiers, "ARCH:"+runtime.GOARCH)
	identifiers = append(identifiers, "MAC:"+primaryMACAddress())
	identifiers = append(identifiers, "CPU:"+cpuInfo())

	combined := strings.Join(identifiers, "|")
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:]), nil
}

func primaryMACAddress() string {
	switch runtime.GOOS {
	case "linux":
		for _, iface := range []string{"eth0", "ens33", "enp0s3", "wlan0"} {
			if output, err := os.ReadFile("/sys/class/net/" + iface + "/address"); err == nil && len(output) > 0 {
				return strings.TrimSpace(string(output))
			}
		}
	case "darwin":
		if output, err := exec.Command("ifconfig", "en0").Output(); err == nil {
			for _, line := range strings.Split(string(output), "\n") {
				if strings.Contains(line, "ether") {
					fields := strings.Fields(line)
					if len(fields) >= 2 {
						return fields[1]
					}
				}
			}
		}
	case "windows":
		if output, err := exec.Command("getmac", "/fo", "csv", "/nh").Output(); err == nil && len(output) > 0 {
			parts := strings.Split(string(output), ",")
			return strings.Trim(parts[0], "\" \r\n")
		}
	}
	return "NO_MAC_ADDR"
}

func cpuInfo() string {
	var cpuName string
	switch runtime.GOOS {
	case "linux":
		if output, err := os.ReadFile("/proc/cpuinfo"); err == nil {
			for _, line := range strings.Split(string(output), "\n") {
				if strings.HasPrefix(line, "model name") {
					if parts := strings.SplitN(line, ":", 2); len(parts) > 1 {
						cpuName = strings.TrimSpace(parts[1])
						break
					}
				}
			}
		}
	case "darwin":
		if output, err := exec.Command("sysctl", "-n", "machdep.cpu.brand_string").Output(); err == nil {
			cpuName = strings.TrimSpace(string(output))
		}
	case "windows":
		if output, err := exec.Command("wmic", "cpu", "get", "name").Output(); err == nil {
			if lines := strings.Split(string(output), "\n"); len(lines) > 1 {
				cpuName = strings.TrimSpace(lines[1])
			}
		}
	}
	if cpuName == "" {
		return "NO_CPU_INFO"
	}
	hash := sha256.Sum256([]byte(cpuName))
	return hex.EncodeToString(hash[:16])
}
