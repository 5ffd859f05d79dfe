package main

import (
	"bufio"
	"net"
	"os"
	"strings"

	"github.com/defenderhub/defenderhub/pkg/config"
)

// device is what the router reports about itself on enroll and heartbeat.
type device struct {
	Hostname        string
	Vendor          string
	Model           string
	MacAddress      string
	LanIP           string
	WanIP           string
	FirmwareVersion string
}

const openwrtRelease = "/etc/openwrt_release"

// detectDevice fills unset overrides from the host. Configured values always win.
func detectDevice(cfg config.DeviceConfig) device {
	d := device{
		Hostname:        cfg.Hostname,
		Vendor:          cfg.Vendor,
		Model:           cfg.Model,
		MacAddress:      cfg.MacAddress,
		LanIP:           cfg.LanIP,
		WanIP:           cfg.WanIP,
		FirmwareVersion: cfg.FirmwareVersion,
	}
	if d.Hostname == "" {
		d.Hostname, _ = os.Hostname()
	}
	if d.LanIP == "" || d.MacAddress == "" {
		ip, mac := primaryInterface()
		if d.LanIP == "" {
			d.LanIP = ip
		}
		if d.MacAddress == "" {
			d.MacAddress = mac
		}
	}
	if release := readRelease(openwrtRelease); release != nil {
		if d.Vendor == "" || d.Vendor == "generic" {
			d.Vendor = "OpenWrt"
		}
		if d.FirmwareVersion == "" {
			d.FirmwareVersion = release["DISTRIB_RELEASE"]
		}
		if d.Model == "" {
			d.Model = release["DISTRIB_TARGET"]
		}
	}
	return d
}

// primaryInterface returns the first private IPv4 address on an up,
// non-loopback interface and that interface's hardware address.
func primaryInterface() (string, string) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil && ip4.IsPrivate() {
				return ip4.String(), iface.HardwareAddr.String()
			}
		}
	}
	return "", ""
}

// readRelease parses a KEY='value' release file. Missing files yield nil.
func readRelease(path string) map[string]string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(value, `'"`)
	}
	return values
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
