package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/wfunc/bill-acceptor/internal/config"
	"github.com/wfunc/bill-acceptor/internal/hardware"
	"github.com/wfunc/bill-acceptor/internal/middleware"
	"github.com/wfunc/bill-acceptor/internal/utils"
)

// runListPorts 列出可用串口
func runListPorts(cfg *config.Config) int {
	ports, err := hardware.ListPorts(cfg.Serial.Patterns)
	if err != nil {
		fmt.Printf("枚举串口失败: %v\n", err)
		return 1
	}
	if len(ports) == 0 {
		fmt.Println("未发现串口")
		return 0
	}
	for _, p := range ports {
		fmt.Println(p)
	}
	return 0
}

// runProbe 在指定串口上依次尝试各协议，auto时扫描全部串口
func runProbe(cfg *config.Config, port string) int {
	d := hardware.NewDiscovery(cfg.Serial.Patterns)
	opener, err := hardware.PortOpenerFor(cfg.Serial.Driver)
	if err != nil {
		fmt.Println(err)
		return 1
	}
	d.Open = opener
	if cfg.Serial.ProbeWindow > 0 {
		d.ProbeWindow = cfg.Serial.ProbeWindow
	}
	if cfg.Serial.WriteTimeout > 0 {
		d.WriteTimeout = cfg.Serial.WriteTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if strings.EqualFold(port, "auto") {
		found, variant, err := d.FindDevice(ctx)
		if err != nil {
			fmt.Printf("未找到纸币器: %v\n", err)
			return 1
		}
		fmt.Printf("%s\t%s\t%s\n", found, variant, hardware.CodecFor(variant).LineSettings())
		return 0
	}

	for _, variant := range hardware.DetectionOrder {
		ok, err := d.Probe(ctx, port, variant)
		switch {
		case err != nil:
			fmt.Printf("%s\t%s\t错误: %v\n", port, variant, err)
		case ok:
			fmt.Printf("%s\t%s\t%s\t已应答\n", port, variant, hardware.CodecFor(variant).LineSettings())
			return 0
		default:
			fmt.Printf("%s\t%s\t无应答\n", port, variant)
		}
	}
	return 1
}

// runIssueToken 用配置的密钥签发访问令牌
func runIssueToken(cfg *config.Config, operator, scope string) int {
	jwt := utils.NewJWTManager(cfg.Security.JWT.Secret, cfg.Security.JWT.Issuer, utils.DefaultTokenExpiry)
	if !jwt.Enabled() {
		fmt.Println("未配置security.jwt.secret，无法签发令牌")
		return 1
	}
	if scope != middleware.ScopeControl && scope != middleware.ScopeRead {
		fmt.Printf("未知的权限范围 %q\n", scope)
		return 1
	}
	token, err := jwt.GenerateToken(operator, scope)
	if err != nil {
		fmt.Printf("签发令牌失败: %v\n", err)
		return 1
	}
	fmt.Println(token)
	return 0
}
