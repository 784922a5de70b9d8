package identity

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"
)

// Profile 是一组一致的浏览器身份特征，轮换时整体替换。
type Profile struct {
	Name           string
	UserAgent      string
	AcceptLanguage string
	Platform       string // navigator.platform，例如 "Win32"
	ClientHints    map[string]string
}

// Headers 返回与 User-Agent 一致的附加请求头。
func (p Profile) Headers() map[string]string {
	headers := make(map[string]string, len(p.ClientHints)+1)
	if p.AcceptLanguage != "" {
		headers["Accept-Language"] = p.AcceptLanguage
	}
	for k, v := range p.ClientHints {
		headers[k] = v
	}
	return headers
}

// Cookie 是注入到浏览上下文中的种子 cookie。
type Cookie struct {
	Name     string
	Value    string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
}

const (
	acceptLanguageRU = "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7"
	chromeBrands     = `"Chromium";v="124", "Google Chrome";v="124", "Not-A.Brand";v="99"`
	edgeBrands       = `"Chromium";v="124", "Microsoft Edge";v="124", "Not-A.Brand";v="99"`
)

// DefaultProfiles 返回内置的桌面浏览器身份池。
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Name:           "chrome-windows",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			AcceptLanguage: acceptLanguageRU,
			Platform:       "Win32",
			ClientHints: map[string]string{
				"sec-ch-ua":          chromeBrands,
				"sec-ch-ua-mobile":   "?0",
				"sec-ch-ua-platform": `"Windows"`,
			},
		},
		{
			Name:           "chrome-macos",
			UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			AcceptLanguage: acceptLanguageRU,
			Platform:       "MacIntel",
			ClientHints: map[string]string{
				"sec-ch-ua":          chromeBrands,
				"sec-ch-ua-mobile":   "?0",
				"sec-ch-ua-platform": `"macOS"`,
			},
		},
		{
			Name:           "chrome-linux",
			UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			AcceptLanguage: acceptLanguageRU,
			Platform:       "Linux x86_64",
			ClientHints: map[string]string{
				"sec-ch-ua":          chromeBrands,
				"sec-ch-ua-mobile":   "?0",
				"sec-ch-ua-platform": `"Linux"`,
			},
		},
		{
			Name:           "edge-windows",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36 Edg/124.0.0.0",
			AcceptLanguage: acceptLanguageRU,
			Platform:       "Win32",
			ClientHints: map[string]string{
				"sec-ch-ua":          edgeBrands,
				"sec-ch-ua-mobile":   "?0",
				"sec-ch-ua-platform": `"Windows"`,
			},
		},
		{
			// Firefox 不发送 client hints
			Name:           "firefox-windows",
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
			AcceptLanguage: "ru-RU,ru;q=0.8,en-US;q=0.5,en;q=0.3",
			Platform:       "Win32",
		},
	}
}

// Provider 管理身份池和当前生效的身份。
//
// 它是并发安全的：Rotate 在互斥锁内完成选择与替换，调用方不会观察到半更新的身份。
type Provider struct {
	mu       sync.Mutex
	profiles []Profile
	active   int
	rnd      *rand.Rand
}

// NewProvider 创建身份提供者。
//
// 参数:
//
//	profiles: 身份池（为空时使用 DefaultProfiles）
//	seed: 随机种子（0 表示使用当前时间）
//
// 返回值:
//
//	*Provider: 初始身份为随机选择的一项
func NewProvider(profiles []Profile, seed int64) *Provider {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	p := &Provider{
		profiles: append([]Profile(nil), profiles...),
		rnd:      rand.New(rand.NewSource(seed)),
	}
	p.active = p.rnd.Intn(len(p.profiles))
	return p
}

// Pick 从身份池中均匀随机选择一项。
//
// 当身份池多于一项时，结果保证与 excluding 不同（按 Name 比较）。
func (p *Provider) Pick(excluding *Profile) Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profiles[p.pickIndex(excluding)]
}

func (p *Provider) pickIndex(excluding *Profile) int {
	if excluding == nil || len(p.profiles) < 2 {
		return p.rnd.Intn(len(p.profiles))
	}
	candidates := make([]int, 0, len(p.profiles))
	for i, prof := range p.profiles {
		if prof.Name != excluding.Name {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return p.rnd.Intn(len(p.profiles))
	}
	return candidates[p.rnd.Intn(len(candidates))]
}

// Active 返回当前生效的身份。
func (p *Provider) Active() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.profiles[p.active]
}

// Rotate 切换到一个与当前不同的身份并返回它。
func (p *Provider) Rotate() Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	current := p.profiles[p.active]
	p.active = p.pickIndex(&current)
	return p.profiles[p.active]
}

// SeedCookies 为当前身份和目标主机生成种子 cookie。
func (p *Provider) SeedCookies(host string) []Cookie {
	return SeedCookies(p.Active(), host)
}

// cookieEpoch 固定基准时间，保证同一 (身份, 主机) 的输出不随时间变化。
const cookieEpoch = 1700000000

// SeedCookies 为 (身份, 主机) 生成确定性的、看起来真实的 cookie 集合。
//
// 同样的输入总是得到同样的输出；主机为空时返回 nil。
func SeedCookies(profile Profile, host string) []Cookie {
	domain := cookieDomain(host)
	if domain == "" {
		return nil
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(profile.Name))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(domain))
	r := rand.New(rand.NewSource(int64(h.Sum64())))

	clientID := r.Int63n(900000000) + 100000000
	firstVisit := cookieEpoch - r.Int63n(90*24*3600)
	gid := r.Int63n(900000000) + 100000000

	session := make([]byte, 16)
	_, _ = r.Read(session)
	visitor := make([]byte, 12)
	_, _ = r.Read(visitor)

	scope := "." + domain
	return []Cookie{
		{Name: "_ga", Value: fmt.Sprintf("GA1.2.%d.%d", clientID, firstVisit), Domain: scope, Path: "/"},
		{Name: "_gid", Value: fmt.Sprintf("GA1.2.%d.%d", gid, cookieEpoch), Domain: scope, Path: "/"},
		{Name: "sessid", Value: hex.EncodeToString(session), Domain: scope, Path: "/", Secure: true, HTTPOnly: true},
		{Name: "u", Value: hex.EncodeToString(visitor), Domain: scope, Path: "/", Secure: true},
		{Name: "cookie_consent", Value: "1", Domain: scope, Path: "/"},
	}
}

func cookieDomain(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimPrefix(host, "www.")
}
