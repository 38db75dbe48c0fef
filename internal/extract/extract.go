// Package extract 把渲染后的列表页与详情页解析为 model.Record。
package extract

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"promohunter/internal/config"
	"promohunter/internal/model"

	"github.com/PuerkitoBio/goquery"
)

// Card 是列表页中的一张优惠卡片。
//
// DetailURL 为空时记录直接进入 pipeline，否则需要跟进详情页补全。
type Card struct {
	Record    *model.Record
	DetailURL string
}

// ListMeta 是列表页请求附带的上下文。
type ListMeta struct {
	Segment   string
	OriginURL string
}

// ListParser 解析列表页（Phase-1）。
type ListParser struct {
	sel         config.SelectorConfig
	institution string
	category    string
}

// NewListParser 创建列表页解析器。
func NewListParser(sel config.SelectorConfig, institution, category string) *ListParser {
	return &ListParser{sel: sel, institution: institution, category: category}
}

// Parse 解析列表页中的所有卡片，pageURL 用于把相对链接转为绝对地址。
func (p *ListParser) Parse(pageURL string, markup []byte, meta ListMeta) ([]Card, error) {
	doc, base, err := load(pageURL, markup)
	if err != nil {
		return nil, err
	}

	var cards []Card
	doc.Find(p.sel.Card).Each(func(_ int, card *goquery.Selection) {
		rec := &model.Record{
			BrandName:     text(card, p.sel.Brand),
			RawDiscount:   text(card, p.sel.Discount),
			ShortValidity: text(card, p.sel.ShortValidity),
			Institution:   p.institution,
			Category:      p.category,
			Segment:       meta.Segment,
			OriginURL:     meta.OriginURL,
		}
		if link := href(card, p.sel.CardRedeemLink); link != "" {
			rec.RedeemLink = resolve(base, link)
		}

		c := Card{Record: rec}
		if link := href(card, p.sel.DetailLink); link != "" {
			c.DetailURL = resolve(base, link)
		}
		cards = append(cards, c)
	})
	return cards, nil
}

// DetailParser 解析详情页（Phase-2）。
type DetailParser struct {
	sel config.SelectorConfig
}

// NewDetailParser 创建详情页解析器。
func NewDetailParser(sel config.SelectorConfig) *DetailParser {
	return &DetailParser{sel: sel}
}

// Parse 用详情页内容补全 carry，返回补全后的记录（carry 本身不被修改）。
// 兑换链接只有在详情页找到时才覆盖列表页的值。
func (p *DetailParser) Parse(pageURL string, markup []byte, carry *model.Record) (*model.Record, error) {
	if carry == nil {
		return nil, fmt.Errorf("detail %s: missing carried record", pageURL)
	}
	doc, base, err := load(pageURL, markup)
	if err != nil {
		return nil, err
	}

	rec := carry.Clone()
	root := doc.Selection
	rec.LongValidity = text(root, p.sel.LongValidity)
	rec.Location = text(root, p.sel.Location)
	if link := href(root, p.sel.RedeemLink); link != "" {
		rec.RedeemLink = resolve(base, link)
	}
	rec.DetailURL = pageURL
	return rec, nil
}

func load(pageURL string, markup []byte) (*goquery.Document, *url.URL, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(markup))
	if err != nil {
		return nil, nil, fmt.Errorf("parse html %s: %w", pageURL, err)
	}
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, nil, fmt.Errorf("parse page url %s: %w", pageURL, err)
	}
	return doc, base, nil
}

// text 返回选择器首个匹配元素的文本（折叠空白）；选择器为空或无匹配时返回空串。
func text(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	return strings.Join(strings.Fields(s.Find(selector).First().Text()), " ")
}

func href(s *goquery.Selection, selector string) string {
	if selector == "" {
		return ""
	}
	v, _ := s.Find(selector).First().Attr("href")
	return strings.TrimSpace(v)
}

// resolve 把 ref 解析为相对 base 的绝对地址，解析失败时原样返回。
func resolve(base *url.URL, ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}
