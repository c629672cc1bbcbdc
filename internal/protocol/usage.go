package protocol

import (
	"net"
	"runtime"
)

// Usage is a best-effort snapshot of host resource usage in percent.
type Usage struct {
	CPU  float64 `json:"cpu"`
	RAM  float64 `json:"ram"`
	Disk float64 `json:"disk"`
}

// Stat converts the usage into the stat set sent to the cluster.
func (u Usage) Stat() SimpleSet {
	return SimpleSet{"cpu": round2(u.CPU), "ram": round2(u.RAM), "disk": round2(u.Disk)}
}

// CheckUsage samples cpu, memory and disk usage of the host. Probes that
// fail report zero.
func CheckUsage() Usage {
	return Usage{CPU: cpuUsage(), RAM: ramUsage(), Disk: diskUsage("/")}
}

// Network describes one non-loopback IPv4 interface.
type Network struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	MAC     string `json:"mac,omitempty"`
}

// CheckNetworks lists the non-loopback IPv4 addresses of the host.
func CheckNetworks() []Network {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var out []Network
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			out = append(out, Network{Name: iface.Name, Address: ipnet.IP.String(), MAC: iface.HardwareAddr.String()})
		}
	}
	return out
}

// HostMeta is the meta a peer announces in its hello reply.
func HostMeta() map[string]any {
	meta := map[string]any{"os": runtime.GOOS, "arch": runtime.GOARCH, "cpus": runtime.NumCPU()}
	if nets := CheckNetworks(); len(nets) > 0 {
		meta["ip"] = nets[0].Address
		meta["net"] = nets[0].Name
	}
	return meta
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
