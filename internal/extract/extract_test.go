package extract

import (
	"testing"

	"promohunter/internal/config"
	"promohunter/internal/model"
)

const listHTML = `<html><body>
<div class="promocion-card">
  <h2> Café   Central </h2>
  <span class="descuento">50% dto.</span>
  <p class="vigencia-corta">Hasta el 31/12</p>
  <a class="btn-detalle" href="/promo/cafe">Ver</a>
</div>
<div class="promocion-card">
  <h2>Librería Sur</h2>
  <span class="descuento">20%</span>
</div>
</body></html>`

const detailHTML = `<html><body>
<div class="vigencia-larga">Válido de lunes a viernes hasta el 31 de diciembre.</div>
<span class="direccion">Av. Providencia 1234, Santiago</span>
<a class="btn-canje" href="canje?id=9">Canjear</a>
</body></html>`

func selectors() config.SelectorConfig {
	return config.Default().Selectors
}

func TestListParser_Parse(t *testing.T) {
	p := NewListParser(selectors(), "Banco de Chile", "Promo General")
	cards, err := p.Parse("https://www.bancochile.cl/beneficios/sabores", []byte(listHTML), ListMeta{
		Segment:   "sabores",
		OriginURL: "https://www.bancochile.cl/beneficios/sabores",
	})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("expected 2 cards, got %d", len(cards))
	}

	first := cards[0]
	if first.Record.BrandName != "Café Central" {
		t.Errorf("BrandName = %q", first.Record.BrandName)
	}
	if first.Record.RawDiscount != "50% dto." || first.Record.ShortValidity != "Hasta el 31/12" {
		t.Errorf("unexpected phase-1 fields: %+v", first.Record)
	}
	if first.DetailURL != "https://www.bancochile.cl/promo/cafe" {
		t.Errorf("DetailURL = %q", first.DetailURL)
	}
	if first.Record.Institution != "Banco de Chile" || first.Record.Category != "Promo General" {
		t.Errorf("metadata not attached: %+v", first.Record)
	}
	if first.Record.Segment != "sabores" || first.Record.OriginURL == "" {
		t.Errorf("request metadata not attached: %+v", first.Record)
	}

	if cards[1].DetailURL != "" {
		t.Errorf("second card should have no detail link, got %q", cards[1].DetailURL)
	}
}

func TestListParser_NoCards(t *testing.T) {
	p := NewListParser(selectors(), "", "")
	cards, err := p.Parse("https://example.cl/", []byte("<html><body>nothing</body></html>"), ListMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if len(cards) != 0 {
		t.Errorf("expected no cards, got %d", len(cards))
	}
}

func TestDetailParser_Parse(t *testing.T) {
	carry := &model.Record{
		BrandName:   "Café Central",
		RawDiscount: "50% dto.",
		RedeemLink:  "https://example.cl/card-link",
	}

	p := NewDetailParser(selectors())
	rec, err := p.Parse("https://www.bancochile.cl/promo/cafe", []byte(detailHTML), carry)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if rec.LongValidity != "Válido de lunes a viernes hasta el 31 de diciembre." {
		t.Errorf("LongValidity = %q", rec.LongValidity)
	}
	if rec.Location != "Av. Providencia 1234, Santiago" {
		t.Errorf("Location = %q", rec.Location)
	}
	if rec.RedeemLink != "https://www.bancochile.cl/promo/canje?id=9" {
		t.Errorf("RedeemLink = %q", rec.RedeemLink)
	}
	if rec.DetailURL != "https://www.bancochile.cl/promo/cafe" {
		t.Errorf("DetailURL = %q", rec.DetailURL)
	}
	if rec.BrandName != carry.BrandName {
		t.Errorf("carried fields lost: %+v", rec)
	}
	if carry.Location != "" {
		t.Error("carried record must not be mutated")
	}
}

func TestDetailParser_KeepsCardRedeemLinkWhenMissing(t *testing.T) {
	carry := &model.Record{BrandName: "X", RawDiscount: "10%", RedeemLink: "https://example.cl/card-link"}
	p := NewDetailParser(selectors())
	rec, err := p.Parse("https://example.cl/d", []byte("<html><body></body></html>"), carry)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RedeemLink != "https://example.cl/card-link" {
		t.Errorf("RedeemLink = %q", rec.RedeemLink)
	}
	if rec.Location != "" || rec.LongValidity != "" {
		t.Errorf("expected empty detail fields, got %+v", rec)
	}
}

func TestDetailParser_NilCarry(t *testing.T) {
	p := NewDetailParser(selectors())
	if _, err := p.Parse("https://example.cl/d", []byte(detailHTML), nil); err == nil {
		t.Error("expected error for nil carry")
	}
}
