package crawler

import (
	"net/url"
	"strconv"
	"strings"
)

// BuildPageURL 构造第 page 页的地址。
//
// 第一页原样返回 base；之后的页面设置 param 查询参数（已有同名参数会被覆盖）。
// base 无法解析或不是绝对地址时退回到字符串拼接。
//
// 参数:
//
//	base: 第一页地址
//	param: 页码参数名，例如 "p" 或 "page"
//	page: 页码（从 1 开始）
//
// 返回值:
//
//	string: 完整的页面地址
func BuildPageURL(base, param string, page int) string {
	if page <= 1 || param == "" {
		return base
	}
	n := strconv.Itoa(page)

	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		sep := "?"
		if strings.Contains(base, "?") {
			sep = "&"
		}
		return base + sep + url.QueryEscape(param) + "=" + n
	}

	values := u.Query()
	values.Set(param, n)
	u.RawQuery = values.Encode()
	return u.String()
}
