package policy

import "github.com/eliteGoblin/focusd/exam_guard/internal/domain"

// NewRemoteAccessSet blocks remote desktop and screen sharing tools.
// Someone else driving the machine is the most direct way to cheat.
func NewRemoteAccessSet() SignatureSet {
	return &staticSet{
		id:       "remote_access",
		name:     "Remote access",
		severity: domain.SeverityCritical,
		processes: []string{
			"TeamViewer.exe",
			"TeamViewer",
			"TeamViewer_Service.exe",
			"AnyDesk.exe",
			"AnyDesk",
			"rustdesk.exe",
			"rustdesk",
			"ScreenConnect.ClientService.exe",
			"Chrome Remote Desktop Host",
			"remoting_host.exe",
			"vncviewer",
			"vncserver",
			"x11vnc",
			"tvnserver.exe",
			"winvnc.exe",
			"parsecd.exe",
			"parsecd",
			"splashtop.exe",
		},
		titles: []string{
			`(?i)\bTeamViewer\b`,
			`(?i)\bAnyDesk\b`,
		},
	}
}

// NewScreenCaptureSet blocks screen recording and streaming software.
func NewScreenCaptureSet() SignatureSet {
	return &staticSet{
		id:       "screen_capture",
		name:     "Screen capture",
		severity: domain.SeverityCritical,
		processes: []string{
			"obs64.exe",
			"obs32.exe",
			"obs",
			"bdcam.exe",
			"CamtasiaStudio.exe",
			"CamRecorder.exe",
			"ShareX.exe",
			"Snagit32.exe",
			"SnagitEditor.exe",
			"simplescreenrecorder",
			"kazam",
			"vokoscreenNG",
			"peek",
			"ffmpeg",
			"ffmpeg.exe",
			"screencapture",
		},
		pathPrefix: []string{
			"/Applications/OBS.app",
			`C:\Program Files\obs-studio`,
		},
	}
}

// NewVPNSet flags VPN and tunnelling clients.
// Severity is warning: a VPN alone is a risk signal, not proof of cheating.
func NewVPNSet() SignatureSet {
	return &staticSet{
		id:       "vpn",
		name:     "VPN and tunnels",
		severity: domain.SeverityWarning,
		processes: []string{
			"openvpn",
			"openvpn.exe",
			"openvpn-gui.exe",
			"wireguard",
			"wireguard.exe",
			"wg-quick",
			"tailscaled",
			"tailscale-ipn.exe",
			"nordvpn",
			"NordVPN.exe",
			"expressvpn",
			"ExpressVPN.exe",
			"protonvpn",
			"ProtonVPN.exe",
			"zerotier-one",
			"zerotier_desktop_ui.exe",
			"cloudflared",
			"warp-svc",
			"ngrok",
			"ngrok.exe",
			"tor",
			"tor.exe",
			"psiphon3.exe",
		},
	}
}

// NewMessagingSet blocks chat clients commonly used to pass answers.
func NewMessagingSet() SignatureSet {
	return &staticSet{
		id:       "messaging",
		name:     "Messaging",
		severity: domain.SeverityWarning,
		processes: []string{
			"Discord.exe",
			"Discord",
			"Telegram.exe",
			"Telegram",
			"WhatsApp.exe",
			"WhatsApp",
			"Slack.exe",
			"slack",
			"Signal.exe",
			"signal-desktop",
			"Skype.exe",
		},
		titles: []string{
			`(?i)web\.whatsapp\.com`,
			`(?i)\| Discord$`,
		},
	}
}

// criticalProcesses are never terminated, whatever the policy says.
// Killing them crashes or logs out the host.
var criticalProcesses = map[string]bool{
	"smss.exe":      true,
	"csrss.exe":     true,
	"wininit.exe":   true,
	"services.exe":  true,
	"lsass.exe":     true,
	"lsm.exe":       true,
	"svchost.exe":   true,
	"winlogon.exe":  true,
	"dwm.exe":       true,
	"explorer.exe":  true,
	"msmpeng.exe":   true,
	"system":        true,
	"launchd":       true,
	"kernel_task":   true,
	"windowserver":  true,
	"loginwindow":   true,
	"init":          true,
	"systemd":       true,
	"xorg":          true,
	"xwayland":      true,
	"gnome-shell":   true,
	"kwin_x11":      true,
	"kwin_wayland":  true,
	"dbus-daemon":   true,
	"examguard":     true,
	"examguard.exe": true,
	"sshd":          false,
	"taskmgr.exe":   false,
}

// IsCritical checks if the process name is in the hardcoded safety list.
func IsCritical(name string) bool {
	return criticalProcesses[lower(name)]
}
