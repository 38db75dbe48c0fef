package model

// Record 表示一条优惠信息。
//
// 它在列表页（Phase-1）被创建，随详情页请求（Phase-2）一起传递并补全，
// 最后交给 pipeline 规范化、地理编码并写入 JSONL。JSON 字段名与下游数据仓库保持一致。
type Record struct {
	BrandName     string `json:"marca_nombre"`                  // 商户名称
	RawDiscount   string `json:"descuento_valor_bruto"`         // 原始折扣文本，如 "50% dto."
	ShortValidity string `json:"validez_corta_texto,omitempty"` // 卡片上的简短有效期

	Institution string `json:"institucion_nombre"`           // 发卡机构
	Category    string `json:"categoria_fuente"`             // 来源分类
	Segment     string `json:"segmento"`                     // 种子文件名（去掉扩展名）
	OriginURL   string `json:"url_origen_segmento"`          // 列表页 URL
	RedeemLink  string `json:"link_canje_directo,omitempty"` // 兑换链接（绝对地址）
	DetailURL   string `json:"url_detalle,omitempty"`        // 详情页 URL

	LongValidity string `json:"validez_larga_texto,omitempty"` // 详情页中的完整有效期
	Location     string `json:"lugar_referencia,omitempty"`    // 地点描述

	NormalizedDiscount float64 `json:"descuento_normalizado"` // 0.0 - 1.0

	// 经纬度只能通过 SetCoordinates / ClearCoordinates 成对修改。
	Latitude  *float64 `json:"latitud"`
	Longitude *float64 `json:"longitud"`

	ID          string `json:"id_unico"`         // sha256(origin|brand|discount)
	ExtractedAt string `json:"fecha_extraccion"` // RFC 3339
}

// SetCoordinates 同时设置纬度与经度。
func (r *Record) SetCoordinates(lat, lon float64) {
	r.Latitude = &lat
	r.Longitude = &lon
}

// ClearCoordinates 同时清空纬度与经度。
func (r *Record) ClearCoordinates() {
	r.Latitude = nil
	r.Longitude = nil
}

// HasCoordinates 返回是否已设置坐标。
func (r *Record) HasCoordinates() bool {
	return r.Latitude != nil && r.Longitude != nil
}

// Clone 返回记录的深拷贝，坐标指针不与原记录共享。
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.HasCoordinates() {
		c.SetCoordinates(*r.Latitude, *r.Longitude)
	} else {
		c.ClearCoordinates()
	}
	return &c
}
