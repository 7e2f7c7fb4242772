package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/configutil"
	"github.com/nikhilbhave9/sentinel-voice-engine/pkg/transports"
	twiliotransport "github.com/nikhilbhave9/sentinel-voice-engine/pkg/transports/twilio"
)

type callConfig struct {
	Transports struct {
		Provider string         `mapstructure:"provider"`
		Settings map[string]any `mapstructure:"settings"`
	} `mapstructure:"transports"`
}

type callSettings struct {
	AccountSID         string `mapstructure:"account_sid"`
	AuthToken          string `mapstructure:"auth_token"`
	PublicURL          string `mapstructure:"public_url"`
	VoicePath          string `mapstructure:"voice_path"`
	StatusCallbackPath string `mapstructure:"status_callback_path"`
}

// Places one outbound call through the configured Twilio account. The
// printed call SID is also the engine session id once the stream
// connects.
func main() {
	configPath := flag.String("config", "examples/insurance/config.local.yaml", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}
	settings, err := loadCallSettings(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	url := *voiceURL
	if url == "" {
		if settings.PublicURL == "" {
			fmt.Println("public_url is empty")
			os.Exit(1)
		}
		voicePath := settings.VoicePath
		if voicePath == "" {
			voicePath = "/voice"
		}
		url = "https://" + stripScheme(settings.PublicURL) + voicePath
	}
	dialer := twiliotransport.NewDialer(twiliotransport.Config{
		AccountSID:         settings.AccountSID,
		AuthToken:          settings.AuthToken,
		PublicURL:          settings.PublicURL,
		VoicePath:          settings.VoicePath,
		StatusCallbackPath: settings.StatusCallbackPath,
	})
	callSID, err := dialer.DialWithOptions(context.Background(), *to, *from, url, transports.DialOptions{
		SendDigits: *sendDigits,
	})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}

func loadCallSettings(path string) (callSettings, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return callSettings{}, err
	}
	var cfg callConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return callSettings{}, err
	}
	var settings callSettings
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &settings); err != nil {
		return callSettings{}, err
	}
	settings.AccountSID = os.ExpandEnv(settings.AccountSID)
	settings.AuthToken = os.ExpandEnv(settings.AuthToken)
	settings.PublicURL = os.ExpandEnv(settings.PublicURL)
	return settings, nil
}

func stripScheme(v string) string {
	v = strings.TrimPrefix(v, "https://")
	v = strings.TrimPrefix(v, "http://")
	return strings.TrimRight(v, "/")
}
