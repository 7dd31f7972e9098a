package portal

// Selectors on the company search page
const (
	rucOptionXPath     = `//*[normalize-space(text())='R.U.C.']`
	searchInputSel     = `input[id*="parametroBusqueda_input"]`
	autocompleteSel    = `.ui-autocomplete-item`
	captchaImageSel    = `img[src*="captcha"]`
	captchaInputSel    = `input[id*="captcha"]`
	submitButtonSel    = `button[id*="consultar"]`
	annualInfoXPath    = `//*[contains(text(),'Información anual presentada')]`
	annualInfoAltXPath = `//*[contains(text(),'Informacion anual presentada')]`
	markedTargetSel    = `[data-supercomp-target="annual"]`
)

// Methods reported by OpenAnnualInformation
const (
	ClickText         = "text"
	ClickTextNoAccent = "text_no_accent"
	ClickElementScan  = "element_scan"
	ClickJavaScript   = "javascript"
)

// captchaPadding is added around the challenge image when it is cropped
const captchaPadding = 10

const hideAutomationJS = `Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });`

// captchaRectJS returns the page-relative box of the challenge image
const captchaRectJS = `(() => {
	const img = document.querySelector('img[src*="captcha"]');
	if (!img) return null;
	img.scrollIntoView({block: 'center'});
	const r = img.getBoundingClientRect();
	return {x: r.left + window.scrollX, y: r.top + window.scrollY, width: r.width, height: r.height};
})()`

// outcomeJS classifies the page after the search form was submitted
const outcomeJS = `(() => {
	const text = (document.body ? document.body.innerText : '')
		.normalize('NFD').replace(/[\u0300-\u036f]/g, '').toLowerCase();
	if (text.includes('informacion anual')) return 'accepted';
	const img = document.querySelector('img[src*="captcha"]');
	if (img && img.offsetParent !== null) return 'rejected';
	return 'unknown';
})()`

// markAnnualInfoJS scans every element for the target text and marks the innermost match
const markAnnualInfoJS = `(() => {
	const norm = s => (s || '').normalize('NFD').replace(/[\u0300-\u036f]/g, '').toLowerCase();
	let best = null;
	for (const el of document.querySelectorAll('a, button, span, td, div, li, label')) {
		if (!norm(el.innerText).includes('informacion anual')) continue;
		if (!best || best.contains(el)) best = el;
	}
	if (!best) return false;
	best.setAttribute('data-supercomp-target', 'annual');
	return true;
})()`

// clickAnnualInfoJS scrolls the target into view and clicks it from script
const clickAnnualInfoJS = `(() => {
	const norm = s => (s || '').normalize('NFD').replace(/[\u0300-\u036f]/g, '').toLowerCase();
	const all = Array.from(document.querySelectorAll('*'));
	const el = all.reverse().find(e => norm(e.textContent).includes('informacion anual presentada'));
	if (!el) return false;
	el.scrollIntoView({block: 'center'});
	el.click();
	return true;
})()`
